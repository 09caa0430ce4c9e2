package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// AppendRaw records a raw event in the durable log. Duplicate event ids
// are dropped silently; ingest retries must not double the log.
func (s *Store) AppendRaw(ctx context.Context, ev contracts.RawEvent) error {
	query := s.rebind(`INSERT INTO raw_events (
		event_id, machine_id, process_key, principal, sensor_kind,
		observed_at, sequence, payload, received_at, processed
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT (event_id) DO NOTHING`)
	_, err := s.db.ExecContext(ctx, query,
		ev.EventID.String(), ev.Subject.MachineID, ev.Subject.ProcessKey,
		ev.Subject.Principal, string(ev.SensorKind), formatTime(ev.ObservedAt),
		int64(ev.Sequence), string(ev.Payload), formatTime(ev.ReceivedAt))
	if err != nil {
		return fmt.Errorf("%w: append raw event %s: %v", contracts.ErrPersistence, ev.EventID, err)
	}
	return nil
}

// UnprocessedRaw returns raw events not yet folded into an incident, up
// to limit. Replay ignores the processed flag and uses AllRaw instead.
func (s *Store) UnprocessedRaw(ctx context.Context, limit int) ([]contracts.RawEvent, error) {
	query := s.rebind(`SELECT event_id, machine_id, process_key, principal,
		sensor_kind, observed_at, sequence, payload, received_at
		FROM raw_events WHERE processed = 0
		ORDER BY observed_at ASC, sequence ASC, event_id ASC
		LIMIT ?`)
	return s.queryRaw(ctx, query, limit)
}

// AllRaw returns the full raw log in canonical order. Replay input.
func (s *Store) AllRaw(ctx context.Context) ([]contracts.RawEvent, error) {
	query := `SELECT event_id, machine_id, process_key, principal,
		sensor_kind, observed_at, sequence, payload, received_at
		FROM raw_events
		ORDER BY observed_at ASC, sequence ASC, event_id ASC`
	return s.queryRaw(ctx, query)
}

func (s *Store) queryRaw(ctx context.Context, query string, args ...any) ([]contracts.RawEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query raw events: %v", contracts.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	var events []contracts.RawEvent
	for rows.Next() {
		var (
			ev                contracts.RawEvent
			id, obsAt, recvAt string
			sequence          int64
			payload           string
		)
		if err := rows.Scan(&id, &ev.Subject.MachineID, &ev.Subject.ProcessKey,
			&ev.Subject.Principal, &ev.SensorKind, &obsAt, &sequence, &payload, &recvAt); err != nil {
			return nil, fmt.Errorf("%w: scan raw event: %v", contracts.ErrPersistence, err)
		}
		if ev.EventID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%w: raw event_id: %v", contracts.ErrPersistence, err)
		}
		if ev.ObservedAt, err = parseTime(obsAt); err != nil {
			return nil, fmt.Errorf("%w: raw observed_at: %v", contracts.ErrPersistence, err)
		}
		if ev.ReceivedAt, err = parseTime(recvAt); err != nil {
			return nil, fmt.Errorf("%w: raw received_at: %v", contracts.ErrPersistence, err)
		}
		ev.Sequence = uint64(sequence)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate raw events: %v", contracts.ErrPersistence, err)
	}
	return events, nil
}

// RawForIncident returns the raw events behind an incident's evidence
// set, in canonical order. The evaluator replays them into observations
// when an incident crosses batch boundaries.
func (s *Store) RawForIncident(ctx context.Context, incidentID uuid.UUID) ([]contracts.RawEvent, error) {
	query := s.rebind(`SELECT r.event_id, r.machine_id, r.process_key, r.principal,
		r.sensor_kind, r.observed_at, r.sequence, r.payload, r.received_at
		FROM raw_events r
		JOIN evidence e ON e.event_id = r.event_id
		WHERE e.incident_id = ?
		ORDER BY r.observed_at ASC, r.sequence ASC, r.event_id ASC`)
	return s.queryRaw(ctx, query, incidentID.String())
}

// MarkEventProcessed flags a raw event that produced no evidence, so the
// next poll does not drain it again. Events that do produce evidence are
// flagged inside Commit instead.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID uuid.UUID) error {
	query := s.rebind(`UPDATE raw_events SET processed = 1 WHERE event_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, eventID.String()); err != nil {
		return fmt.Errorf("%w: mark event %s processed: %v", contracts.ErrPersistence, eventID, err)
	}
	return nil
}

// QuarantineRecord is a rejected event held out of correlation.
type QuarantineRecord struct {
	EventID       uuid.UUID            `json:"event_id"`
	SensorKind    contracts.SensorKind `json:"sensor_kind"`
	Reason        string               `json:"reason"`
	Raw           json.RawMessage      `json:"raw"`
	QuarantinedAt time.Time            `json:"quarantined_at"`
}

// Quarantine stores a malformed event with its rejection reason. The
// event never reaches the evidence tables; the record preserves it for
// operator review. Re-quarantining the same event id is a no-op.
func (s *Store) Quarantine(ctx context.Context, ev contracts.RawEvent, reason string) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: encode quarantined event %s: %v", contracts.ErrPersistence, ev.EventID, err)
	}
	query := s.rebind(`INSERT INTO quarantine (
		event_id, sensor_kind, reason, raw_event, quarantined_at
	) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (event_id) DO NOTHING`)
	_, err = s.db.ExecContext(ctx, query,
		ev.EventID.String(), string(ev.SensorKind), reason, string(raw),
		formatTime(ev.ObservedAt))
	if err != nil {
		return fmt.Errorf("%w: quarantine event %s: %v", contracts.ErrPersistence, ev.EventID, err)
	}
	return nil
}

// ListQuarantine returns quarantine records in observation order.
func (s *Store) ListQuarantine(ctx context.Context) ([]QuarantineRecord, error) {
	query := `SELECT event_id, sensor_kind, reason, raw_event, quarantined_at
		FROM quarantine ORDER BY quarantined_at ASC, event_id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list quarantine: %v", contracts.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	var records []QuarantineRecord
	for rows.Next() {
		var (
			rec    QuarantineRecord
			id, at string
			raw    string
		)
		if err := rows.Scan(&id, &rec.SensorKind, &rec.Reason, &raw, &at); err != nil {
			return nil, fmt.Errorf("%w: scan quarantine: %v", contracts.ErrPersistence, err)
		}
		if rec.EventID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%w: quarantine event_id: %v", contracts.ErrPersistence, err)
		}
		if rec.QuarantinedAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("%w: quarantined_at: %v", contracts.ErrPersistence, err)
		}
		rec.Raw = json.RawMessage(raw)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate quarantine: %v", contracts.ErrPersistence, err)
	}
	return records, nil
}
