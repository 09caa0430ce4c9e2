package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// OutboxRecord is one staged downstream notification.
type OutboxRecord struct {
	ID         string
	Incident   *contracts.Incident
	Transition contracts.StageTransition
}

// PendingOutbox returns staged notifications oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	query := s.rebind(`SELECT id, payload FROM transition_outbox
		WHERE status = 'PENDING'
		ORDER BY scheduled_at ASC, id ASC
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: pending outbox: %v", contracts.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	var records []OutboxRecord
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("%w: scan outbox: %v", contracts.ErrPersistence, err)
		}
		var body struct {
			Incident   *contracts.Incident       `json:"incident"`
			Transition contracts.StageTransition `json:"transition"`
		}
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			return nil, fmt.Errorf("%w: corrupt outbox payload %s: %v", contracts.ErrPersistence, id, err)
		}
		records = append(records, OutboxRecord{ID: id, Incident: body.Incident, Transition: body.Transition})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate outbox: %v", contracts.ErrPersistence, err)
	}
	return records, nil
}

// MarkDispatched flips an outbox record out of PENDING after the
// downstream consumer acknowledged it.
func (s *Store) MarkDispatched(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE transition_outbox SET status = 'DISPATCHED' WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%w: mark outbox %s dispatched: %v", contracts.ErrPersistence, id, err)
	}
	return nil
}
