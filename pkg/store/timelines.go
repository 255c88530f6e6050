package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// CreateTimelineIfAbsent conditionally creates the settlement timeline for a
// cycle. When two accept calls race on "all accepted", only the first insert
// wins; both callers observe the stored timeline. created reports whether
// this call performed the insert.
func (s *Store) CreateTimelineIfAbsent(ctx context.Context, t *contracts.SettlementTimeline) (*contracts.SettlementTimeline, bool, error) {
	doc, err := json.Marshal(t)
	if err != nil {
		return nil, false, fmt.Errorf("marshal timeline: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO timelines (cycle_id, state, doc, version, updated_at) VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT (cycle_id) DO NOTHING`,
		t.CycleID, string(t.State), doc, formatTime(t.UpdatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert timeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		t.Version = 1
		return t, true, nil
	}
	existing, err := s.GetTimeline(ctx, t.CycleID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetTimeline loads a settlement timeline by cycle id.
func (s *Store) GetTimeline(ctx context.Context, cycleID string) (*contracts.SettlementTimeline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc, version FROM timelines WHERE cycle_id = ?`, cycleID)
	return scanTimeline(row)
}

// UpdateTimeline replaces the timeline document guarded by expectedVersion.
// Settlement transitions read, mutate and write under this guard so racing
// sweeps and confirmations cannot interleave lost updates.
func (s *Store) UpdateTimeline(ctx context.Context, t *contracts.SettlementTimeline, expectedVersion int64) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE timelines SET state = ?, doc = ?, version = version + 1, updated_at = ?
		 WHERE cycle_id = ? AND version = ?`,
		string(t.State), doc, formatTime(t.UpdatedAt), t.CycleID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update timeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.Errf(contracts.CodeConflict, "timeline %s version %d is stale", t.CycleID, expectedVersion)
	}
	t.Version = expectedVersion + 1
	return nil
}

// ListTimelinesByState returns timelines in a state ordered by cycle id.
func (s *Store) ListTimelinesByState(ctx context.Context, state contracts.TimelineState) ([]*contracts.SettlementTimeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc, version FROM timelines WHERE state = ? ORDER BY cycle_id ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list timelines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.SettlementTimeline
	for rows.Next() {
		t, err := scanTimeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTimeline(row rowScanner) (*contracts.SettlementTimeline, error) {
	var doc []byte
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.Errf(contracts.CodeNotFound, "timeline not found")
		}
		return nil, fmt.Errorf("scan timeline: %w", err)
	}
	var t contracts.SettlementTimeline
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("corrupt timeline doc: %w", err)
	}
	t.Version = version
	return &t, nil
}
