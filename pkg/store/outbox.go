package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// AppendOutbox schedules an event envelope for delivery. The envelope id is
// the idempotency key: re-appending the same envelope is a no-op.
func (s *Store) AppendOutbox(ctx context.Context, env *contracts.EventEnvelope) error {
	doc, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, event_type, doc, status, occurred_at) VALUES (?, ?, ?, 'PENDING', ?)
		 ON CONFLICT (id) DO NOTHING`,
		env.ID, string(env.Type), doc, formatTime(env.OccurredAt))
	if err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

// PendingOutbox returns undelivered envelopes in occurrence order.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]*contracts.EventEnvelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM outbox WHERE status = 'PENDING' ORDER BY occurred_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.EventEnvelope
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		var env contracts.EventEnvelope
		if err := json.Unmarshal(doc, &env); err != nil {
			return nil, fmt.Errorf("corrupt outbox doc: %w", err)
		}
		out = append(out, &env)
	}
	return out, rows.Err()
}

// MarkOutboxSent marks an envelope delivered.
func (s *Store) MarkOutboxSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'SENT', sent_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}
