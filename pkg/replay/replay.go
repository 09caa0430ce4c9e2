// Package replay rebuilds incident state from the raw event log and
// proves the rebuild matches. Identity mode pins the rule table version
// recorded on the incidents and treats any divergence as a defect;
// evolution mode re-derives state under a new table and reports what
// changed.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
	"github.com/crowsnest-security/crowsnest/pkg/engine"
	"github.com/crowsnest-security/crowsnest/pkg/merkle"
	"github.com/crowsnest-security/crowsnest/pkg/rules"
	"github.com/crowsnest-security/crowsnest/pkg/sequencer"
	"github.com/crowsnest-security/crowsnest/pkg/statemachine"
	"github.com/crowsnest-security/crowsnest/pkg/store"
)

// Mode selects the replay contract.
type Mode string

const (
	// ModeIdentity requires the same rule table version the incidents
	// were originally derived under; the rebuilt graph must hash
	// identically.
	ModeIdentity Mode = "identity"

	// ModeEvolution rebuilds under a different table version; the graph
	// hash is reported, not enforced.
	ModeEvolution Mode = "evolution"
)

// Source supplies the raw event log to rebuild from.
type Source interface {
	AllRaw(ctx context.Context) ([]contracts.RawEvent, error)
}

// Target is the fresh store the rebuild folds into. *store.Store
// satisfies it.
type Target interface {
	engine.Store
	ListIncidents(ctx context.Context) ([]*contracts.Incident, error)
	ListEvidence(ctx context.Context, incidentID uuid.UUID) ([]contracts.EvidenceItem, error)
	ListTransitions(ctx context.Context, incidentID uuid.UUID) ([]contracts.StageTransition, error)
}

// Options configures a replay run.
type Options struct {
	Mode        Mode
	Table       *rules.Table
	DedupWindow time.Duration
	Thresholds  statemachine.Thresholds
	DecayFactor int64
	Shards      int
	BatchSize   int

	Source      Source
	Target      Target
	Emitter     store.TransitionEmitter
	Checkpoints CheckpointStore
	Logger      *slog.Logger
}

// Result is the outcome of one replay run.
type Result struct {
	Mode      Mode          `json:"mode"`
	Report    engine.Report `json:"report"`
	GraphHash string        `json:"graph_hash"`
	Incidents int           `json:"incidents"`
	Position  int           `json:"position"`
	Resumed   bool          `json:"resumed"`
}

// Controller drives a resumable replay.
type Controller struct {
	opts   Options
	logger *slog.Logger
}

// New validates the options.
func New(opts Options) (*Controller, error) {
	if opts.Source == nil || opts.Target == nil {
		return nil, fmt.Errorf("replay: source and target are required")
	}
	if opts.Mode != ModeIdentity && opts.Mode != ModeEvolution {
		return nil, fmt.Errorf("replay: unknown mode %q", opts.Mode)
	}
	if opts.Table == nil {
		opts.Table = rules.DefaultTable()
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1000
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = NewMemoryCheckpoints()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{opts: opts, logger: opts.Logger.With("component", "replay")}, nil
}

// Run rebuilds incident state from the source log into the target and
// returns the graph hash of the rebuilt state. A previously saved
// checkpoint for the same run id resumes the rebuild where it stopped.
func (c *Controller) Run(ctx context.Context, runID string) (*Result, error) {
	events, err := c.opts.Source.AllRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: read raw log: %w", err)
	}
	// The log is replayed in canonical order regardless of how the
	// source returns it.
	sort.SliceStable(events, func(i, j int) bool { return sequencer.Less(events[i], events[j]) })

	eng, err := engine.New(engine.Options{
		Table:       c.opts.Table,
		DedupWindow: c.opts.DedupWindow,
		Thresholds:  c.opts.Thresholds,
		DecayFactor: c.opts.DecayFactor,
		Shards:      c.opts.Shards,
		Store:       c.opts.Target,
		Emitter:     c.opts.Emitter,
		Logger:      c.opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	result := &Result{Mode: c.opts.Mode}
	cp, err := c.opts.Checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("replay: load checkpoint: %w", err)
	}
	if cp != nil {
		if cp.Position > len(events) {
			return nil, fmt.Errorf("replay: checkpoint position %d beyond log length %d", cp.Position, len(events))
		}
		result.Position = cp.Position
		result.Resumed = true
		c.logger.InfoContext(ctx, "resuming replay", "run_id", runID, "position", cp.Position)
	}

	for result.Position < len(events) {
		end := result.Position + c.opts.BatchSize
		if end > len(events) {
			end = len(events)
		}
		report, err := eng.ProcessBatch(ctx, events[result.Position:end])
		result.Report.Processed += report.Processed
		result.Report.Quarantined += report.Quarantined
		result.Report.Dropped += report.Dropped
		result.Report.IncidentsOpened += report.IncidentsOpened
		result.Report.Transitions += report.Transitions
		result.Report.RuleTable = report.RuleTable
		if err != nil {
			return result, fmt.Errorf("replay: batch at %d: %w", result.Position, err)
		}
		result.Position = end
		if err := c.opts.Checkpoints.Save(ctx, Checkpoint{RunID: runID, Position: end, SavedAt: time.Now().UTC()}); err != nil {
			return result, fmt.Errorf("replay: save checkpoint: %w", err)
		}
	}

	hash, count, err := GraphHash(ctx, c.opts.Target)
	if err != nil {
		return result, err
	}
	result.GraphHash = hash
	result.Incidents = count
	return result, nil
}

// checkIdentityAgainst verifies the live incidents were derived under
// the replay table's exact version. Identity replay against a log folded
// under a different table is not meaningful; evolution mode skips this.
func (c *Controller) checkIdentityAgainst(ctx context.Context, live Target) error {
	incidents, err := live.ListIncidents(ctx)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	for _, inc := range incidents {
		if !c.opts.Table.IdentityCompatible(inc.RuleTableVersion) {
			return fmt.Errorf("%w: incident %s derived under table %q, replaying with %q",
				contracts.ErrRuleTable, inc.IncidentID, inc.RuleTableVersion, c.opts.Table.Version)
		}
	}
	return nil
}

// GraphHash computes the Merkle root over the full incident graph:
// each incident's stage, confidence, corroboration set, evidence links,
// and transition history. Two stores hold identical graphs exactly when
// their hashes match; evidence is included because two incidents can
// agree on stage and confidence while recording different evidence, as
// a contradiction under a zero decay factor does.
func GraphHash(ctx context.Context, t Target) (string, int, error) {
	incidents, err := t.ListIncidents(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("graph hash: %w", err)
	}
	leaves := make(map[string]any, len(incidents))
	for _, inc := range incidents {
		evidence, err := t.ListEvidence(ctx, inc.IncidentID)
		if err != nil {
			return "", 0, fmt.Errorf("graph hash: %w", err)
		}
		transitions, err := t.ListTransitions(ctx, inc.IncidentID)
		if err != nil {
			return "", 0, fmt.Errorf("graph hash: %w", err)
		}
		leaves[inc.IncidentID.String()] = map[string]any{
			"incident":    inc,
			"evidence":    evidence,
			"transitions": transitions,
		}
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return "", 0, fmt.Errorf("graph hash: %w", err)
	}
	return tree.Root, len(incidents), nil
}

// Verify replays the log into the target and compares the rebuilt graph
// hash against the live store's. In identity mode the live incidents
// must carry the replay table's version. Used by the verify command.
func Verify(ctx context.Context, c *Controller, live Target, runID string) (*Result, bool, error) {
	if c.opts.Mode == ModeIdentity {
		if err := c.checkIdentityAgainst(ctx, live); err != nil {
			return nil, false, err
		}
	}
	result, err := c.Run(ctx, runID)
	if err != nil {
		return result, false, err
	}
	liveHash, _, err := GraphHash(ctx, live)
	if err != nil {
		return result, false, err
	}
	return result, result.GraphHash == liveHash, nil
}
