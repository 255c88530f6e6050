package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// PutIntent inserts or replaces an intent. Pass expectedVersion > 0 for an
// optimistic-concurrency update; a mismatch returns CONFLICT. Pass 0 to
// create; an existing id returns CONFLICT.
func (s *Store) PutIntent(ctx context.Context, in *contracts.SwapIntent, expectedVersion int64) error {
	doc, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	now := formatTime(in.UpdatedAt)

	if expectedVersion == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO intents (id, actor_id, status, doc, version, updated_at) VALUES (?, ?, ?, ?, 1, ?)`,
			in.ID, in.ActorID, string(in.Status), doc, now)
		if err != nil {
			if isUniqueViolation(err) {
				return contracts.Errf(contracts.CodeConflict, "intent %s already exists", in.ID)
			}
			return fmt.Errorf("insert intent: %w", err)
		}
		in.Version = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE intents SET actor_id = ?, status = ?, doc = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		in.ActorID, string(in.Status), doc, now, in.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.Errf(contracts.CodeConflict, "intent %s version %d is stale", in.ID, expectedVersion)
	}
	in.Version = expectedVersion + 1
	return nil
}

// GetIntent loads an intent by id.
func (s *Store) GetIntent(ctx context.Context, id string) (*contracts.SwapIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc, version FROM intents WHERE id = ?`, id)
	return scanIntent(row)
}

// ListIntentsByStatus returns intents in a status, ordered by id for
// deterministic snapshots.
func (s *Store) ListIntentsByStatus(ctx context.Context, status contracts.IntentStatus) ([]*contracts.SwapIntent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc, version FROM intents WHERE status = ? ORDER BY id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.SwapIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// TransitionIntent flips an intent's status with a compare-and-set on the
// current status. It returns CONFLICT when the intent is not in from.
func (s *Store) TransitionIntent(ctx context.Context, id string, from, to contracts.IntentStatus, now time.Time) error {
	return transitionIntent(ctx, s.db, id, from, to, now)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func transitionIntent(ctx context.Context, db execer, id string, from, to contracts.IntentStatus, now time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE intents SET status = ?, doc = json_set(doc, '$.status', ?), version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), string(to), formatTime(now), id, string(from))
	if err != nil {
		return fmt.Errorf("transition intent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.Errf(contracts.CodeConflict, "intent %s is not %s", id, from)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*contracts.SwapIntent, error) {
	var doc []byte
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.Errf(contracts.CodeNotFound, "intent not found")
		}
		return nil, fmt.Errorf("scan intent: %w", err)
	}
	var in contracts.SwapIntent
	if err := json.Unmarshal(doc, &in); err != nil {
		return nil, fmt.Errorf("corrupt intent doc: %w", err)
	}
	in.Version = version
	return &in, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint violation") ||
		strings.Contains(msg, "duplicate key")
}
