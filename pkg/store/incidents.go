package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

const incidentColumns = `incident_id, subject_key, stage, confidence,
	corroboration_count, corroborated_kinds, rule_table_version,
	first_observed_at, last_observed_at, stage_changed_at,
	last_corroborating_at, evidence_count, transition_count`

// FindActive implements resolver.IncidentFinder. It returns the most
// recent incident for the subject key when its last_observed_at lies
// within the deduplication window of asOf, inclusive at the boundary.
func (s *Store) FindActive(ctx context.Context, subjectKey string, asOf time.Time, window time.Duration) (*contracts.Incident, error) {
	query := s.rebind(`SELECT ` + incidentColumns + `
		FROM incidents
		WHERE subject_key = ?
		ORDER BY last_observed_at DESC
		LIMIT 1`)
	inc, err := scanIncident(s.db.QueryRowContext(ctx, query, subjectKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active incident: %w", err)
	}
	// Window arithmetic stays in Go; SQL only picks the newest row.
	if asOf.Sub(inc.LastObservedAt) > window {
		return nil, nil
	}
	return inc, nil
}

// GetIncident loads one incident by id.
func (s *Store) GetIncident(ctx context.Context, id uuid.UUID) (*contracts.Incident, error) {
	query := s.rebind(`SELECT ` + incidentColumns + ` FROM incidents WHERE incident_id = ?`)
	inc, err := scanIncident(s.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", id, err)
	}
	return inc, nil
}

// ListIncidents returns all incidents ordered by incident id. The
// deterministic order is what the replay graph hash is computed over.
func (s *Store) ListIncidents(ctx context.Context) ([]*contracts.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents ORDER BY incident_id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var incidents []*contracts.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("list incidents: %w", err)
		}
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return incidents, nil
}

// ListEvidence returns the evidence items for an incident in observed
// order.
func (s *Store) ListEvidence(ctx context.Context, incidentID uuid.UUID) ([]contracts.EvidenceItem, error) {
	query := s.rebind(`SELECT evidence_id, incident_id, event_id, sensor_kind,
		classification, signal_weight, rule_kind, observed_at
		FROM evidence WHERE incident_id = ?
		ORDER BY observed_at ASC, evidence_id ASC`)
	rows, err := s.db.QueryContext(ctx, query, incidentID.String())
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []contracts.EvidenceItem
	for rows.Next() {
		var (
			item                      contracts.EvidenceItem
			evID, incID, evtID, obsAt string
		)
		if err := rows.Scan(&evID, &incID, &evtID, &item.SensorKind,
			&item.Classification, &item.SignalWeight, &item.RuleKind, &obsAt); err != nil {
			return nil, fmt.Errorf("list evidence: %w", err)
		}
		if item.EvidenceID, err = uuid.Parse(evID); err != nil {
			return nil, fmt.Errorf("list evidence: evidence_id: %w", err)
		}
		if item.IncidentID, err = uuid.Parse(incID); err != nil {
			return nil, fmt.Errorf("list evidence: incident_id: %w", err)
		}
		if item.EventID, err = uuid.Parse(evtID); err != nil {
			return nil, fmt.Errorf("list evidence: event_id: %w", err)
		}
		if item.ObservedAt, err = parseTime(obsAt); err != nil {
			return nil, fmt.Errorf("list evidence: observed_at: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	return items, nil
}

// ListTransitions returns an incident's transition history in sequence
// order.
func (s *Store) ListTransitions(ctx context.Context, incidentID uuid.UUID) ([]contracts.StageTransition, error) {
	query := s.rebind(`SELECT incident_id, transition_seq, from_stage, to_stage,
		confidence_at_transition, evidence_count_at_transition,
		trigger_evidence_id, transitioned_at
		FROM stage_transitions WHERE incident_id = ?
		ORDER BY transition_seq ASC`)
	rows, err := s.db.QueryContext(ctx, query, incidentID.String())
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transitions []contracts.StageTransition
	for rows.Next() {
		var (
			tr                contracts.StageTransition
			incID, trigID, at string
		)
		if err := rows.Scan(&incID, &tr.TransitionSeq, &tr.FromStage, &tr.ToStage,
			&tr.ConfidenceAtTransition, &tr.EvidenceCountAtTransition, &trigID, &at); err != nil {
			return nil, fmt.Errorf("list transitions: %w", err)
		}
		if tr.IncidentID, err = uuid.Parse(incID); err != nil {
			return nil, fmt.Errorf("list transitions: incident_id: %w", err)
		}
		if tr.TriggerEvidenceID, err = uuid.Parse(trigID); err != nil {
			return nil, fmt.Errorf("list transitions: trigger_evidence_id: %w", err)
		}
		if tr.TransitionedAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("list transitions: transitioned_at: %w", err)
		}
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return transitions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*contracts.Incident, error) {
	var (
		inc                              contracts.Incident
		id, kinds                        string
		firstAt, lastAt, stageAt, corrAt string
	)
	err := row.Scan(&id, &inc.SubjectKey, &inc.Stage, &inc.Confidence,
		&inc.CorroborationCount, &kinds, &inc.RuleTableVersion,
		&firstAt, &lastAt, &stageAt, &corrAt,
		&inc.EvidenceCount, &inc.TransitionCount)
	if err != nil {
		return nil, err
	}
	if inc.IncidentID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("incident_id: %w", err)
	}
	if err := json.Unmarshal([]byte(kinds), &inc.CorroboratedKinds); err != nil {
		return nil, fmt.Errorf("corroborated_kinds: %w", err)
	}
	if inc.FirstObservedAt, err = parseTime(firstAt); err != nil {
		return nil, fmt.Errorf("first_observed_at: %w", err)
	}
	if inc.LastObservedAt, err = parseTime(lastAt); err != nil {
		return nil, fmt.Errorf("last_observed_at: %w", err)
	}
	if inc.StageChangedAt, err = parseTime(stageAt); err != nil {
		return nil, fmt.Errorf("stage_changed_at: %w", err)
	}
	if corrAt != "" {
		if inc.LastCorroboratingAt, err = parseTime(corrAt); err != nil {
			return nil, fmt.Errorf("last_corroborating_at: %w", err)
		}
	}
	return &inc, nil
}

// timeLayout is RFC 3339 with a fixed nine-digit fraction. The fixed
// width makes stored timestamps order correctly as strings, which the
// subject index relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
