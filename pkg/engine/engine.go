// Package engine orchestrates the correlation pipeline: canonical
// ordering, subject resolution, rule evaluation, confidence
// accumulation, stage advancement, and the atomic commit of each fold.
//
// Events are partitioned across shard workers by subject key, so all
// events for one subject are always processed by the same worker in
// canonical order. Workers never share incidents; the end state of a
// batch is independent of shard count and scheduling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/crowsnest-security/crowsnest/pkg/accumulator"
	"github.com/crowsnest-security/crowsnest/pkg/contracts"
	"github.com/crowsnest-security/crowsnest/pkg/observability"
	"github.com/crowsnest-security/crowsnest/pkg/resolver"
	"github.com/crowsnest-security/crowsnest/pkg/rules"
	"github.com/crowsnest-security/crowsnest/pkg/sequencer"
	"github.com/crowsnest-security/crowsnest/pkg/statemachine"
	"github.com/crowsnest-security/crowsnest/pkg/store"
)

// Store is the persistence surface the engine folds through.
// *store.Store satisfies it; engine tests use an in-memory double.
type Store interface {
	resolver.IncidentFinder
	Commit(ctx context.Context, set store.CommitSet, emitter store.TransitionEmitter) error
	Quarantine(ctx context.Context, ev contracts.RawEvent, reason string) error
	MarkEventProcessed(ctx context.Context, eventID uuid.UUID) error
	RawForIncident(ctx context.Context, incidentID uuid.UUID) ([]contracts.RawEvent, error)
	UnprocessedRaw(ctx context.Context, limit int) ([]contracts.RawEvent, error)
}

// Outbox is the staged-notification surface drained between batches.
// *store.Store satisfies it.
type Outbox interface {
	PendingOutbox(ctx context.Context, limit int) ([]store.OutboxRecord, error)
	MarkDispatched(ctx context.Context, id string) error
}

// Notifier delivers one staged transition notification downstream. A
// failed delivery leaves the record pending; it is retried on the next
// dispatch pass.
type Notifier interface {
	Notify(ctx context.Context, rec store.OutboxRecord) error
}

// Options configures an Engine.
type Options struct {
	Table       *rules.Table
	DedupWindow time.Duration
	Thresholds  statemachine.Thresholds
	DecayFactor int64 // hundredths
	Shards      int
	BatchLimit  int
	PollRate    float64

	Store    Store
	Emitter  store.TransitionEmitter
	Outbox   Outbox
	Notifier Notifier
	Metrics  *observability.Provider
	Logger   *slog.Logger
}

// Engine drives the pipeline over the raw event log.
type Engine struct {
	seq     *sequencer.Sequencer
	res     *resolver.Resolver
	eval    *rules.Evaluator
	acc     *accumulator.Accumulator
	machine *statemachine.Machine

	store    Store
	emitter  store.TransitionEmitter
	outbox   Outbox
	notifier Notifier
	metrics  *observability.Provider
	logger   *slog.Logger

	shards     int
	batchLimit int
	limiter    *rate.Limiter
}

// New validates the options and assembles the pipeline. Any invalid
// threshold, decay factor, or rule table stops construction; a
// misconfigured engine must never process an event.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Table == nil {
		opts.Table = rules.DefaultTable()
	}
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.BatchLimit < 1 {
		opts.BatchLimit = 1000
	}
	if opts.PollRate <= 0 {
		opts.PollRate = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	seq, err := sequencer.New()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	res, err := resolver.New(opts.Store, opts.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	acc, err := accumulator.New(opts.DecayFactor)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	machine, err := statemachine.New(opts.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Engine{
		seq:        seq,
		res:        res,
		eval:       rules.NewEvaluator(opts.Table),
		acc:        acc,
		machine:    machine,
		store:      opts.Store,
		emitter:    opts.Emitter,
		outbox:     opts.Outbox,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "engine"),
		shards:     opts.Shards,
		batchLimit: opts.BatchLimit,
		limiter:    rate.NewLimiter(rate.Limit(opts.PollRate), 1),
	}, nil
}

// Report summarizes one batch or run.
type Report struct {
	Processed       int    `json:"processed"`
	Quarantined     int    `json:"quarantined"`
	Dropped         int    `json:"dropped"`
	IncidentsOpened int    `json:"incidents_opened"`
	Transitions     int    `json:"transitions"`
	Dispatched      int    `json:"dispatched"`
	RuleTable       string `json:"rule_table"`
}

func (r *Report) add(other Report) {
	r.Processed += other.Processed
	r.Quarantined += other.Quarantined
	r.Dropped += other.Dropped
	r.IncidentsOpened += other.IncidentsOpened
	r.Transitions += other.Transitions
	r.Dispatched += other.Dispatched
}

// ProcessBatch folds one batch of raw events. Malformed events are
// quarantined and the batch continues; persistence, ledger, and state
// guard failures abort the batch with the partial report.
func (e *Engine) ProcessBatch(ctx context.Context, events []contracts.RawEvent) (Report, error) {
	started := time.Now()
	report := Report{RuleTable: e.eval.Table().Version}

	cursor, rejects := e.seq.Order(events)
	for _, rej := range rejects {
		if err := e.quarantine(ctx, rej.Event, rej.Err); err != nil {
			return report, err
		}
		report.Quarantined++
	}

	buckets := make([][]contracts.RawEvent, e.shards)
	for {
		ev, ok := cursor.Next()
		if !ok {
			break
		}
		i := shardIndex(resolver.SubjectKey(ev.Subject), e.shards)
		buckets[i] = append(buckets[i], ev)
	}

	shardReports := make([]Report, e.shards)
	g, gctx := errgroup.WithContext(ctx)
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		g.Go(func() error {
			if e.metrics != nil {
				e.metrics.ShardStarted(gctx)
				defer e.metrics.ShardFinished(gctx)
			}
			w := &shardWorker{engine: e, incidents: make(map[string]*incidentState)}
			for _, ev := range bucket {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := w.process(gctx, ev, &shardReports[i]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	for _, sr := range shardReports {
		report.add(sr)
	}
	if e.metrics != nil {
		e.metrics.RecordBatch(ctx, time.Since(started))
	}
	if err != nil {
		return report, err
	}
	return report, nil
}

// Run polls the store for unprocessed events. In drain mode it returns
// once the backlog is empty; otherwise it follows the log until the
// context ends. Poll frequency is capped by the configured rate.
func (e *Engine) Run(ctx context.Context, drain bool) (Report, error) {
	total := Report{RuleTable: e.eval.Table().Version}
	for {
		if err := e.limiter.Wait(ctx); err != nil {
			if drain && errors.Is(err, context.Canceled) {
				return total, nil
			}
			return total, err
		}
		events, err := e.store.UnprocessedRaw(ctx, e.batchLimit)
		if err != nil {
			return total, err
		}
		if len(events) == 0 {
			// Records staged by an earlier run may still be pending.
			n, err := e.dispatchOutbox(ctx)
			total.Dispatched += n
			if err != nil {
				return total, err
			}
			if drain {
				return total, nil
			}
			continue
		}
		report, err := e.ProcessBatch(ctx, events)
		total.add(report)
		if err != nil {
			return total, err
		}
		n, err := e.dispatchOutbox(ctx)
		total.Dispatched += n
		if err != nil {
			return total, err
		}
		e.logger.InfoContext(ctx, "batch folded",
			"processed", report.Processed,
			"quarantined", report.Quarantined,
			"incidents_opened", report.IncidentsOpened,
			"transitions", report.Transitions,
			"dispatched", n)
	}
}

// dispatchOutbox drains staged transition notifications until none are
// pending or a delivery fails. Delivery failures are left pending for
// the next pass; only store failures abort.
func (e *Engine) dispatchOutbox(ctx context.Context) (int, error) {
	if e.outbox == nil || e.notifier == nil {
		return 0, nil
	}
	dispatched := 0
	for {
		records, err := e.outbox.PendingOutbox(ctx, e.batchLimit)
		if err != nil {
			return dispatched, err
		}
		if len(records) == 0 {
			return dispatched, nil
		}
		for _, rec := range records {
			if err := e.notifier.Notify(ctx, rec); err != nil {
				e.logger.WarnContext(ctx, "outbox delivery failed",
					"outbox_id", rec.ID,
					"incident_id", rec.Transition.IncidentID,
					"error", err)
				return dispatched, nil
			}
			if err := e.outbox.MarkDispatched(ctx, rec.ID); err != nil {
				return dispatched, err
			}
			dispatched++
		}
	}
}

// LogNotifier delivers staged notifications to the structured log. It
// is the downstream of record when no external consumer is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier wraps a logger as a Notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "outbox")}
}

func (n *LogNotifier) Notify(ctx context.Context, rec store.OutboxRecord) error {
	n.logger.InfoContext(ctx, "stage transition dispatched",
		"outbox_id", rec.ID,
		"incident_id", rec.Transition.IncidentID,
		"from_stage", rec.Transition.FromStage,
		"to_stage", rec.Transition.ToStage,
		"confidence", rec.Transition.ConfidenceAtTransition)
	return nil
}

func (e *Engine) quarantine(ctx context.Context, ev contracts.RawEvent, reason error) error {
	e.logger.WarnContext(ctx, "event quarantined",
		"event_id", ev.EventID,
		"sensor_kind", ev.SensorKind,
		"reason", reason)
	if e.metrics != nil {
		e.metrics.RecordQuarantined(ctx, ev.SensorKind)
	}
	if err := e.store.Quarantine(ctx, ev, reason.Error()); err != nil {
		return err
	}
	// Quarantined events must not be drained again on the next poll.
	return e.store.MarkEventProcessed(ctx, ev.EventID)
}

// shardIndex maps a subject key to a worker. FNV-1a keeps the mapping
// stable across runs so replay partitions identically.
func shardIndex(subjectKey string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectKey))
	return int(h.Sum32() % uint32(shards))
}
