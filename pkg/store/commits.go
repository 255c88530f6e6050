package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// PutCommitIfAbsent records a participant decision. If a commit already
// exists for (proposalID, intentID) the stored record is returned with
// created=false and the new decision is NOT written; prior decisions are
// never overwritten.
func (s *Store) PutCommitIfAbsent(ctx context.Context, c *contracts.Commit) (*contracts.Commit, bool, error) {
	doc, err := json.Marshal(c)
	if err != nil {
		return nil, false, fmt.Errorf("marshal commit: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO commits (proposal_id, intent_id, doc) VALUES (?, ?, ?)
		 ON CONFLICT (proposal_id, intent_id) DO NOTHING`,
		c.ProposalID, c.IntentID, doc)
	if err != nil {
		return nil, false, fmt.Errorf("insert commit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return c, true, nil
	}
	prior, err := s.GetCommit(ctx, c.ProposalID, c.IntentID)
	if err != nil {
		return nil, false, err
	}
	return prior, false, nil
}

// GetCommit loads one participant's decision.
func (s *Store) GetCommit(ctx context.Context, proposalID, intentID string) (*contracts.Commit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM commits WHERE proposal_id = ? AND intent_id = ?`, proposalID, intentID)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.Errf(contracts.CodeNotFound, "no commit for proposal %s intent %s", proposalID, intentID)
		}
		return nil, fmt.Errorf("scan commit: %w", err)
	}
	var c contracts.Commit
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("corrupt commit doc: %w", err)
	}
	return &c, nil
}

// ListCommits returns every decision recorded for a proposal.
func (s *Store) ListCommits(ctx context.Context, proposalID string) ([]contracts.Commit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM commits WHERE proposal_id = ? ORDER BY intent_id ASC`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Commit
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		var c contracts.Commit
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("corrupt commit doc: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
