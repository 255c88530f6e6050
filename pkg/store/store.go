// Package store is the system of record for the clearing engine: intents,
// proposals, reservations, commits, settlement timelines, receipts,
// idempotency keys and the event outbox. All documents are stored as JSON
// with indexed status columns; mutations use conditional writes so invariants
// survive concurrent callers and process restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. A single Store is shared by every engine
// component; all cross-document atomicity goes through its transactions.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies migrations.
// Use "file::memory:?cache=shared" for tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; serialize access instead of surfacing
	// SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open database and applies migrations.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS intents (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		status TEXT NOT NULL,
		doc JSON NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status);

	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		doc JSON NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);

	CREATE TABLE IF NOT EXISTS reservations (
		intent_id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reservations_proposal ON reservations(proposal_id);

	CREATE TABLE IF NOT EXISTS commits (
		proposal_id TEXT NOT NULL,
		intent_id TEXT NOT NULL,
		doc JSON NOT NULL,
		PRIMARY KEY (proposal_id, intent_id)
	);

	CREATE TABLE IF NOT EXISTS timelines (
		cycle_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		doc JSON NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_timelines_state ON timelines(state);

	CREATE TABLE IF NOT EXISTS receipts (
		receipt_id TEXT PRIMARY KEY,
		cycle_id TEXT NOT NULL UNIQUE,
		final_state TEXT NOT NULL,
		doc JSON NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		result JSON,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		doc JSON NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		occurred_at DATETIME NOT NULL,
		sent_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
	`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
