package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// CreateProposal inserts a new proposal document.
func (s *Store) CreateProposal(ctx context.Context, p *contracts.CycleProposal) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals (id, status, expires_at, doc, version, updated_at) VALUES (?, ?, ?, ?, 1, ?)`,
		p.ID, string(p.Status), formatTime(p.ExpiresAt), doc, formatTime(p.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return contracts.Errf(contracts.CodeConflict, "proposal %s already exists", p.ID)
		}
		return fmt.Errorf("insert proposal: %w", err)
	}
	p.Version = 1
	return nil
}

// GetProposal loads a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*contracts.CycleProposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc, version FROM proposals WHERE id = ?`, id)
	return scanProposal(row)
}

// UpdateProposal replaces the proposal document guarded by expectedVersion.
func (s *Store) UpdateProposal(ctx context.Context, p *contracts.CycleProposal, expectedVersion int64) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ?, expires_at = ?, doc = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(p.Status), formatTime(p.ExpiresAt), doc, formatTime(p.UpdatedAt), p.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.Errf(contracts.CodeConflict, "proposal %s version %d is stale", p.ID, expectedVersion)
	}
	p.Version = expectedVersion + 1
	return nil
}

// TransitionProposal flips a proposal's status with a compare-and-set on the
// current status, so racing callers apply a transition exactly once.
func (s *Store) TransitionProposal(ctx context.Context, id string, from, to contracts.ProposalStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ?, doc = json_set(doc, '$.status', ?), version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), string(to), formatTime(now), id, string(from))
	if err != nil {
		return fmt.Errorf("transition proposal %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.Errf(contracts.CodeConflict, "proposal %s is not %s", id, from)
	}
	return nil
}

// ListProposalsByStatus returns proposals in a status ordered by id.
func (s *Store) ListProposalsByStatus(ctx context.Context, status contracts.ProposalStatus) ([]*contracts.CycleProposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc, version FROM proposals WHERE status = ? ORDER BY id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.CycleProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListProposalsForActor returns non-terminal proposals that include one of the
// actor's intents.
func (s *Store) ListProposalsForActor(ctx context.Context, actorID string) ([]*contracts.CycleProposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc, version FROM proposals
		 WHERE status IN ('proposed', 'partially_accepted')
		 AND EXISTS (
			SELECT 1 FROM json_each(proposals.doc, '$.participants')
			WHERE json_extract(json_each.value, '$.actor_id') = ?
		 )
		 ORDER BY id ASC`, actorID)
	if err != nil {
		return nil, fmt.Errorf("list proposals for actor: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.CycleProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProposal(row rowScanner) (*contracts.CycleProposal, error) {
	var doc []byte
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.Errf(contracts.CodeNotFound, "proposal not found")
		}
		return nil, fmt.Errorf("scan proposal: %w", err)
	}
	var p contracts.CycleProposal
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("corrupt proposal doc: %w", err)
	}
	p.Version = version
	return &p, nil
}
