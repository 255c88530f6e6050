// Package reservation enforces the at-most-one-live-reservation invariant
// across matching runs. The store's conditional writes are the source of
// truth; this package layers the TTL policy, the expiry sweep and the
// all-or-nothing cycle claim on top.
package reservation

import (
	"context"
	"log/slog"
	"time"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/events"
	"github.com/swapcycle/clearing/pkg/store"
)

// Manager owns reservation lifecycle for proposals.
type Manager struct {
	store   *store.Store
	emitter *events.Emitter
	logger  *slog.Logger
	ttl     time.Duration
	clock   func() time.Time
}

// NewManager builds a manager with the acceptance-window TTL.
func NewManager(s *store.Store, em *events.Emitter, logger *slog.Logger, ttl time.Duration) *Manager {
	return &Manager{store: s, emitter: em, logger: logger, ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// TTL returns the acceptance window applied to new reservations.
func (m *Manager) TTL() time.Duration { return m.ttl }

// TryReserve atomically claims every intent for the proposal, or none of
// them. A CONFLICT means another proposal holds at least one member; the
// caller retries with a smaller cycle or defers, never forces.
func (m *Manager) TryReserve(ctx context.Context, intentIDs []string, proposalID string) error {
	now := m.clock().UTC()
	return m.store.ReserveCycle(ctx, intentIDs, proposalID, now.Add(m.ttl), now)
}

// Release returns one intent to the pool.
func (m *Manager) Release(ctx context.Context, intentID string) error {
	return m.store.ReleaseReservation(ctx, intentID, m.clock().UTC())
}

// ReleaseProposal returns every intent still reserved for a proposal.
func (m *Manager) ReleaseProposal(ctx context.Context, proposalID string) error {
	rs, err := m.store.ReservationsForProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if err := m.store.ReleaseReservation(ctx, r.IntentID, m.clock().UTC()); err != nil {
			return err
		}
	}
	return nil
}

// IsReserved reports whether the intent has a live reservation.
func (m *Manager) IsReserved(ctx context.Context, intentID string) bool {
	_, err := m.store.GetReservation(ctx, intentID, m.clock().UTC())
	return err == nil
}

// SweepExpired releases lapsed reservations, expires their proposals and
// emits proposal.expired. Transitions are only as prompt as the sweep
// interval; an unswept lapse is an observable delay, never lost state.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.clock().UTC()
	expired, err := m.store.ExpiredReservations(ctx, now)
	if err != nil {
		return 0, err
	}

	expiredProposals := make(map[string]bool)
	for _, r := range expired {
		if err := m.store.ReleaseReservation(ctx, r.IntentID, now); err != nil {
			return 0, err
		}
		expiredProposals[r.ProposalID] = true
	}

	for proposalID := range expiredProposals {
		if err := m.expireProposal(ctx, proposalID, now); err != nil {
			m.logger.Error("proposal expiry failed", "proposal_id", proposalID, "error", err)
			continue
		}
	}
	return len(expired), nil
}

func (m *Manager) expireProposal(ctx context.Context, proposalID string, now time.Time) error {
	for _, from := range []contracts.ProposalStatus{contracts.ProposalProposed, contracts.ProposalPartiallyAccepted} {
		err := m.store.TransitionProposal(ctx, proposalID, from, contracts.ProposalExpired, now)
		if err == nil {
			m.logger.Info("proposal expired", "proposal_id", proposalID)
			return m.emitter.Emit(ctx, contracts.EventProposalExpired, map[string]any{
				"proposal_id": proposalID,
				"expired_at":  now,
			})
		}
		if !contracts.IsCode(err, contracts.CodeConflict) {
			return err
		}
	}
	// Already terminal; nothing to do.
	return nil
}
