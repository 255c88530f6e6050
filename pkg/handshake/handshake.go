package handshake

import (
	"context"
	"log/slog"
	"time"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/events"
	"github.com/swapcycle/clearing/pkg/reservation"
	"github.com/swapcycle/clearing/pkg/settlement"
	"github.com/swapcycle/clearing/pkg/store"
)

// Service runs the accept/decline protocol over persisted proposals. All
// decisions are recorded as conditional inserts, so replays and concurrent
// submissions converge on one stored outcome.
type Service struct {
	store         *store.Store
	reservations  *reservation.Manager
	emitter       *events.Emitter
	logger        *slog.Logger
	depositWindow time.Duration
	clock         func() time.Time
}

// New wires the handshake service. depositWindow bounds how long participants
// of a fully-accepted cycle have to deposit.
func New(s *store.Store, res *reservation.Manager, em *events.Emitter, logger *slog.Logger, depositWindow time.Duration) *Service {
	return &Service{
		store:         s,
		reservations:  res,
		emitter:       em,
		logger:        logger,
		depositWindow: depositWindow,
		clock:         time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Outcome is the observable result of an accept or decline.
type Outcome struct {
	Commit   *contracts.Commit
	Proposal *contracts.CycleProposal
	// Timeline is set once the cycle is fully accepted, whether or not this
	// call was the one that completed the set.
	Timeline *contracts.SettlementTimeline
	// Replayed reports the decision was already on record.
	Replayed bool
}

// Accept records a participant's binding accept. The first accept from each
// participant counts once; replays return the recorded outcome. The accept
// completing the set promotes the proposal to accepted, converts the member
// reservations to settlement holds and opens the escrow timeline.
func (s *Service) Accept(ctx context.Context, proposalID, intentID, actorID string) (*Outcome, error) {
	now := s.clock().UTC()
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	member, ok := p.Participant(intentID)
	if !ok {
		return nil, contracts.Errf(contracts.CodeNotFound, "intent %s is not part of proposal %s", intentID, proposalID)
	}
	if member.ActorID != actorID {
		return nil, contracts.Errf(contracts.CodeForbidden, "actor %s does not own intent %s", actorID, intentID)
	}

	prior, err := s.store.GetCommit(ctx, proposalID, intentID)
	if err != nil && !contracts.IsCode(err, contracts.CodeNotFound) {
		return nil, err
	}
	if prior == nil {
		// Fresh decision: the proposal and this member's reservation must
		// still be live.
		if _, err := Next(p.Status, EventAccept); err != nil {
			return nil, err
		}
		if now.After(p.ExpiresAt) {
			return nil, contracts.Errf(contracts.CodeExpired, "proposal %s expired at %s", proposalID, p.ExpiresAt.Format(time.RFC3339))
		}
		r, err := s.store.GetReservation(ctx, intentID, now)
		if err != nil {
			return nil, contracts.Wrap(contracts.CodeExpired, err, "reservation lapsed before accept")
		}
		if r.ProposalID != proposalID {
			return nil, contracts.Errf(contracts.CodeConflict,
				"intent %s is reserved for proposal %s", intentID, r.ProposalID)
		}
	} else if prior.Decision != contracts.DecisionAccept {
		return nil, contracts.Errf(contracts.CodeConflict,
			"intent %s already declined proposal %s", intentID, proposalID)
	}

	commit, created, err := s.store.PutCommitIfAbsent(ctx, &contracts.Commit{
		ProposalID: proposalID,
		IntentID:   intentID,
		ActorID:    actorID,
		Decision:   contracts.DecisionAccept,
		DecidedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	if !created && commit.Decision != contracts.DecisionAccept {
		return nil, contracts.Errf(contracts.CodeConflict,
			"intent %s already declined proposal %s", intentID, proposalID)
	}

	out := &Outcome{Commit: commit, Proposal: p, Replayed: !created}

	accepts, err := s.countAccepts(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if accepts < len(p.Participants) {
		if created && p.Status == contracts.ProposalProposed {
			err := s.store.TransitionProposal(ctx, proposalID, contracts.ProposalProposed, contracts.ProposalPartiallyAccepted, now)
			if err != nil && !contracts.IsCode(err, contracts.CodeConflict) {
				return nil, err
			}
		}
		if p, err = s.store.GetProposal(ctx, proposalID); err != nil {
			return nil, err
		}
		out.Proposal = p
		return out, nil
	}

	t, err := s.completeAcceptance(ctx, p, now)
	if err != nil {
		return nil, err
	}
	out.Timeline = t
	if out.Proposal, err = s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	return out, nil
}

// completeAcceptance drives the final accept: promote the proposal, open the
// timeline and convert reservations. Racing callers all reach here; the
// conditional timeline insert elects one writer and everybody else observes
// its timeline.
func (s *Service) completeAcceptance(ctx context.Context, p *contracts.CycleProposal, now time.Time) (*contracts.SettlementTimeline, error) {
	if !p.Status.Terminal() {
		err := s.store.TransitionProposal(ctx, p.ID, p.Status, contracts.ProposalAccepted, now)
		if err != nil && !contracts.IsCode(err, contracts.CodeConflict) {
			return nil, err
		}
	}

	built, err := settlement.BuildTimeline(p, now, s.depositWindow)
	if err != nil {
		return nil, err
	}
	t, created, err := s.store.CreateTimelineIfAbsent(ctx, built)
	if err != nil {
		return nil, err
	}
	if !created {
		return t, nil
	}

	if err := s.store.ConvertReservationsToSettlement(ctx, p.ID, p.IntentIDs(), now); err != nil {
		return nil, err
	}
	if err := s.emitter.Emit(ctx, contracts.EventCycleStateChanged, map[string]any{
		"cycle_id": t.CycleID,
		"state":    t.State,
	}); err != nil {
		return nil, err
	}
	deadlines := make(map[string]string, len(t.Legs))
	for _, leg := range t.Legs {
		deadlines[leg.ID] = leg.DepositDeadlineAt.Format(time.RFC3339Nano)
	}
	if err := s.emitter.Emit(ctx, contracts.EventDepositRequired, map[string]any{
		"cycle_id":  t.CycleID,
		"deadlines": deadlines,
	}); err != nil {
		return nil, err
	}
	s.logger.Info("cycle fully accepted", "proposal_id", p.ID, "participants", len(p.Participants))
	return t, nil
}

// Decline records a participant's decline. Any decline cancels the proposal
// and releases every member reservation back to matching.
func (s *Service) Decline(ctx context.Context, proposalID, intentID, actorID string) (*Outcome, error) {
	now := s.clock().UTC()
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	member, ok := p.Participant(intentID)
	if !ok {
		return nil, contracts.Errf(contracts.CodeNotFound, "intent %s is not part of proposal %s", intentID, proposalID)
	}
	if member.ActorID != actorID {
		return nil, contracts.Errf(contracts.CodeForbidden, "actor %s does not own intent %s", actorID, intentID)
	}

	prior, err := s.store.GetCommit(ctx, proposalID, intentID)
	if err != nil && !contracts.IsCode(err, contracts.CodeNotFound) {
		return nil, err
	}
	if prior != nil {
		if prior.Decision != contracts.DecisionDecline {
			return nil, contracts.Errf(contracts.CodeConflict,
				"intent %s already accepted proposal %s", intentID, proposalID)
		}
		return &Outcome{Commit: prior, Proposal: p, Replayed: true}, nil
	}
	if _, err := Next(p.Status, EventDecline); err != nil {
		return nil, err
	}

	commit, created, err := s.store.PutCommitIfAbsent(ctx, &contracts.Commit{
		ProposalID: proposalID,
		IntentID:   intentID,
		ActorID:    actorID,
		Decision:   contracts.DecisionDecline,
		DecidedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	if !created && commit.Decision != contracts.DecisionDecline {
		return nil, contracts.Errf(contracts.CodeConflict,
			"intent %s already accepted proposal %s", intentID, proposalID)
	}

	err = s.store.TransitionProposal(ctx, proposalID, p.Status, contracts.ProposalCancelled, now)
	if err != nil && !contracts.IsCode(err, contracts.CodeConflict) {
		return nil, err
	}
	if contracts.IsCode(err, contracts.CodeConflict) {
		// Someone moved the status under us; re-check the decline still
		// applies.
		fresh, gerr := s.store.GetProposal(ctx, proposalID)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.Status != contracts.ProposalCancelled {
			if _, nerr := Next(fresh.Status, EventDecline); nerr != nil {
				return nil, nerr
			}
			if terr := s.store.TransitionProposal(ctx, proposalID, fresh.Status, contracts.ProposalCancelled, now); terr != nil {
				return nil, terr
			}
		}
	}

	if err := s.reservations.ReleaseProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	if err := s.emitter.Emit(ctx, contracts.EventCycleStateChanged, map[string]any{
		"proposal_id": proposalID,
		"status":      contracts.ProposalCancelled,
		"declined_by": intentID,
	}); err != nil {
		return nil, err
	}

	p, err = s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Commit: commit, Proposal: p}, nil
}

func (s *Service) countAccepts(ctx context.Context, proposalID string) (int, error) {
	commits, err := s.store.ListCommits(ctx, proposalID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range commits {
		if c.Decision == contracts.DecisionAccept {
			n++
		}
	}
	return n, nil
}
