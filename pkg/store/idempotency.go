package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// IdempotencyRecord is the stored outcome of a keyed operation. Retries of
// the same key return the prior result instead of re-executing; the record is
// durable so correctness survives process restarts.
type IdempotencyRecord struct {
	Key       string          `json:"key"`
	Operation string          `json:"operation"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// IdempotencyStore is the keyed-operation guard consumed by the handshake,
// the settlement machine and the HTTP surface.
type IdempotencyStore interface {
	// PutIfAbsent stores the record unless the key exists. It returns the
	// stored record and whether this call inserted it.
	PutIfAbsent(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, bool, error)
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
}

// PutIfAbsent implements IdempotencyStore on the SQLite store.
func (s *Store) PutIfAbsent(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, operation, result, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.Operation, []byte(rec.Result), formatTime(rec.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return rec, true, nil
	}
	prior, err := s.Get(ctx, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return prior, false, nil
}

// Get implements IdempotencyStore on the SQLite store.
func (s *Store) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, operation, result, created_at FROM idempotency_keys WHERE key = ?`, key)
	var rec IdempotencyRecord
	var result sql.NullString
	var created string
	if err := row.Scan(&rec.Key, &rec.Operation, &result, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan idempotency key: %w", err)
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	rec.CreatedAt = parseTime(created)
	return &rec, nil
}
