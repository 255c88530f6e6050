package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresIdempotencyStore implements IdempotencyStore on PostgreSQL for
// deployments that keep the mutation surface on a shared relational database
// while the clearing documents live elsewhere.
type PostgresIdempotencyStore struct {
	db *sql.DB
}

// OpenPostgresIdempotencyStore connects and ensures the table exists.
func OpenPostgresIdempotencyStore(dsn string) (*PostgresIdempotencyStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &PostgresIdempotencyStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresIdempotencyStore wraps an existing connection.
func NewPostgresIdempotencyStore(db *sql.DB) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db}
}

func (s *PostgresIdempotencyStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate idempotency_keys: %w", err)
	}
	return nil
}

// PutIfAbsent stores the record unless the key exists.
func (s *PostgresIdempotencyStore) PutIfAbsent(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, operation, result, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.Operation, []byte(rec.Result), rec.CreatedAt.UTC())
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

// Get loads a record by key; a miss returns (nil, nil).
func (s *PostgresIdempotencyStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, operation, result, created_at FROM idempotency_keys WHERE key = $1`, key)
	var rec IdempotencyRecord
	var result []byte
	var created time.Time
	if err := row.Scan(&rec.Key, &rec.Operation, &result, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan idempotency key: %w", err)
	}
	rec.Result = json.RawMessage(result)
	rec.CreatedAt = created
	return &rec, nil
}

// Cleanup removes records older than ttl.
func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().Add(-ttl).UTC())
	return err
}
