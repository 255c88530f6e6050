package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// ReserveCycle atomically claims every intent in a cycle for a proposal:
// each intent must be active with no live reservation. If any member fails
// its conditional write the transaction rolls back and CONFLICT is returned;
// a cycle is never half-reserved.
func (s *Store) ReserveCycle(ctx context.Context, intentIDs []string, proposalID string, expiresAt, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range intentIDs {
			// Clear a stale reservation left behind between sweeps.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM reservations WHERE intent_id = ? AND expires_at <= ?`,
				id, formatTime(now)); err != nil {
				return fmt.Errorf("clear stale reservation %s: %w", id, err)
			}
			if err := transitionIntent(ctx, tx, id, contracts.IntentActive, contracts.IntentReserved, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO reservations (intent_id, proposal_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
				id, proposalID, formatTime(expiresAt), formatTime(now)); err != nil {
				if isUniqueViolation(err) {
					return contracts.Errf(contracts.CodeConflict, "intent %s already reserved", id)
				}
				return fmt.Errorf("insert reservation %s: %w", id, err)
			}
		}
		return nil
	})
}

// ReleaseReservation removes an intent's reservation and returns it to
// active. Releasing an unreserved intent is a no-op.
func (s *Store) ReleaseReservation(ctx context.Context, intentID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM reservations WHERE intent_id = ?`, intentID); err != nil {
			return fmt.Errorf("delete reservation %s: %w", intentID, err)
		}
		// Only reserved intents flip back; in_settlement intents stay put.
		err := transitionIntent(ctx, tx, intentID, contracts.IntentReserved, contracts.IntentActive, now)
		if err != nil && !contracts.IsCode(err, contracts.CodeConflict) {
			return err
		}
		return nil
	})
}

// GetReservation returns the live reservation for an intent, if any.
func (s *Store) GetReservation(ctx context.Context, intentID string, now time.Time) (*contracts.Reservation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT intent_id, proposal_id, expires_at, created_at FROM reservations
		 WHERE intent_id = ? AND expires_at > ?`, intentID, formatTime(now))
	var r contracts.Reservation
	var expires, created string
	if err := row.Scan(&r.IntentID, &r.ProposalID, &expires, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.Errf(contracts.CodeNotFound, "no live reservation for intent %s", intentID)
		}
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	r.ExpiresAt = parseTime(expires)
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// ReservationsForProposal returns every reservation bound to a proposal.
func (s *Store) ReservationsForProposal(ctx context.Context, proposalID string) ([]contracts.Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT intent_id, proposal_id, expires_at, created_at FROM reservations
		 WHERE proposal_id = ? ORDER BY intent_id ASC`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Reservation
	for rows.Next() {
		var r contracts.Reservation
		var expires, created string
		if err := rows.Scan(&r.IntentID, &r.ProposalID, &expires, &created); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		r.ExpiresAt = parseTime(expires)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExpiredReservations returns reservations whose window has passed, grouped
// for the expiry sweep.
func (s *Store) ExpiredReservations(ctx context.Context, now time.Time) ([]contracts.Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT intent_id, proposal_id, expires_at, created_at FROM reservations
		 WHERE expires_at <= ? ORDER BY proposal_id, intent_id`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Reservation
	for rows.Next() {
		var r contracts.Reservation
		var expires, created string
		if err := rows.Scan(&r.IntentID, &r.ProposalID, &expires, &created); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		r.ExpiresAt = parseTime(expires)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ConvertReservationsToSettlement atomically moves every reserved member of a
// proposal to in_settlement and drops the reservations: the commit handshake
// calls this exactly once when a proposal becomes ready.
func (s *Store) ConvertReservationsToSettlement(ctx context.Context, proposalID string, intentIDs []string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range intentIDs {
			if err := transitionIntent(ctx, tx, id, contracts.IntentReserved, contracts.IntentInSettlement, now); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM reservations WHERE proposal_id = ?`, proposalID); err != nil {
			return fmt.Errorf("drop reservations for %s: %w", proposalID, err)
		}
		return nil
	})
}
