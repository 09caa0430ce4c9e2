package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// TransitionEmitter appends one audit ledger entry per stage transition.
// Satisfied by ledger.Emitter.
type TransitionEmitter interface {
	EmitTransition(inc *contracts.Incident, tr contracts.StageTransition) error
}

// CommitSet is everything one processed event changes: the incident row
// (created or updated), exactly one evidence item, zero or more stage
// transitions, and the processed marker on the raw event. Commit applies
// it in a single transaction; a partially applied event never becomes
// visible.
type CommitSet struct {
	Incident    *contracts.Incident
	Opened      bool
	Evidence    contracts.EvidenceItem
	Transitions []contracts.StageTransition
	EventID     uuid.UUID
}

// Commit persists the set atomically and emits the ledger entries for
// its transitions before the transaction commits. A ledger emission
// failure rolls everything back: an incident change with no audit entry
// must not exist.
//
// Evidence inserts are idempotent on evidence_id, so replaying an
// already-processed event is a no-op at the store boundary.
func (s *Store) Commit(ctx context.Context, set CommitSet, emitter TransitionEmitter) error {
	if set.Incident == nil {
		return fmt.Errorf("%w: commit set without incident", contracts.ErrPersistence)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin commit: %v", contracts.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.upsertIncident(ctx, tx, set.Incident); err != nil {
		return err
	}
	if err := s.insertEvidence(ctx, tx, set.Evidence); err != nil {
		return err
	}
	for _, tr := range set.Transitions {
		if err := s.insertTransition(ctx, tx, tr); err != nil {
			return err
		}
		if err := s.scheduleOutbox(ctx, tx, set.Incident, tr); err != nil {
			return err
		}
	}
	if set.EventID != uuid.Nil {
		if err := s.markProcessed(ctx, tx, set.EventID); err != nil {
			return err
		}
	}

	if emitter != nil {
		for _, tr := range set.Transitions {
			if err := emitter.EmitTransition(set.Incident, tr); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", contracts.ErrPersistence, err)
	}
	return nil
}

func (s *Store) upsertIncident(ctx context.Context, tx execer, inc *contracts.Incident) error {
	kinds, err := json.Marshal(inc.CorroboratedKinds)
	if err != nil {
		return fmt.Errorf("%w: encode corroborated kinds: %v", contracts.ErrPersistence, err)
	}
	query := s.rebind(`INSERT INTO incidents (
		incident_id, subject_key, stage, confidence, corroboration_count,
		corroborated_kinds, rule_table_version, first_observed_at,
		last_observed_at, stage_changed_at, last_corroborating_at,
		evidence_count, transition_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (incident_id) DO UPDATE SET
		stage = excluded.stage,
		confidence = excluded.confidence,
		corroboration_count = excluded.corroboration_count,
		corroborated_kinds = excluded.corroborated_kinds,
		rule_table_version = excluded.rule_table_version,
		last_observed_at = excluded.last_observed_at,
		stage_changed_at = excluded.stage_changed_at,
		last_corroborating_at = excluded.last_corroborating_at,
		evidence_count = excluded.evidence_count,
		transition_count = excluded.transition_count`)
	_, err = tx.ExecContext(ctx, query,
		inc.IncidentID.String(), inc.SubjectKey, string(inc.Stage), int64(inc.Confidence),
		inc.CorroborationCount, string(kinds), inc.RuleTableVersion,
		formatTime(inc.FirstObservedAt), formatTime(inc.LastObservedAt),
		formatTime(inc.StageChangedAt), formatTime(inc.LastCorroboratingAt),
		inc.EvidenceCount, inc.TransitionCount)
	if err != nil {
		return fmt.Errorf("%w: upsert incident %s: %v", contracts.ErrPersistence, inc.IncidentID, err)
	}
	return nil
}

func (s *Store) insertEvidence(ctx context.Context, tx execer, item contracts.EvidenceItem) error {
	query := s.rebind(`INSERT INTO evidence (
		evidence_id, incident_id, event_id, sensor_kind, classification,
		signal_weight, rule_kind, observed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (evidence_id) DO NOTHING`)
	_, err := tx.ExecContext(ctx, query,
		item.EvidenceID.String(), item.IncidentID.String(), item.EventID.String(),
		string(item.SensorKind), string(item.Classification), int64(item.SignalWeight),
		item.RuleKind, formatTime(item.ObservedAt))
	if err != nil {
		return fmt.Errorf("%w: insert evidence %s: %v", contracts.ErrPersistence, item.EvidenceID, err)
	}
	return nil
}

func (s *Store) insertTransition(ctx context.Context, tx execer, tr contracts.StageTransition) error {
	query := s.rebind(`INSERT INTO stage_transitions (
		incident_id, transition_seq, from_stage, to_stage,
		confidence_at_transition, evidence_count_at_transition,
		trigger_evidence_id, transitioned_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (incident_id, transition_seq) DO NOTHING`)
	_, err := tx.ExecContext(ctx, query,
		tr.IncidentID.String(), tr.TransitionSeq, string(tr.FromStage), string(tr.ToStage),
		int64(tr.ConfidenceAtTransition), tr.EvidenceCountAtTransition,
		tr.TriggerEvidenceID.String(), formatTime(tr.TransitionedAt))
	if err != nil {
		return fmt.Errorf("%w: insert transition %s/%d: %v", contracts.ErrPersistence, tr.IncidentID, tr.TransitionSeq, err)
	}
	return nil
}

// scheduleOutbox stages a downstream notification for a transition.
// The key is incident id plus sequence, so redelivered commits do not
// duplicate notifications.
func (s *Store) scheduleOutbox(ctx context.Context, tx execer, inc *contracts.Incident, tr contracts.StageTransition) error {
	payload, err := json.Marshal(struct {
		Incident   *contracts.Incident       `json:"incident"`
		Transition contracts.StageTransition `json:"transition"`
	}{inc, tr})
	if err != nil {
		return fmt.Errorf("%w: encode outbox payload: %v", contracts.ErrPersistence, err)
	}
	id := tr.IncidentID.String() + ":" + strconv.Itoa(tr.TransitionSeq)
	query := s.rebind(`INSERT INTO transition_outbox (id, incident_id, payload, scheduled_at, status)
		VALUES (?, ?, ?, ?, 'PENDING')
		ON CONFLICT (id) DO NOTHING`)
	_, err = tx.ExecContext(ctx, query, id, tr.IncidentID.String(), string(payload), formatTime(tr.TransitionedAt))
	if err != nil {
		return fmt.Errorf("%w: schedule outbox %s: %v", contracts.ErrPersistence, id, err)
	}
	return nil
}

func (s *Store) markProcessed(ctx context.Context, tx execer, eventID uuid.UUID) error {
	query := s.rebind(`UPDATE raw_events SET processed = 1 WHERE event_id = ?`)
	if _, err := tx.ExecContext(ctx, query, eventID.String()); err != nil {
		return fmt.Errorf("%w: mark event %s processed: %v", contracts.ErrPersistence, eventID, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
