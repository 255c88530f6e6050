package settlement

import (
	"fmt"
	"time"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// BuildTimeline derives the settlement timeline for a fully-accepted
// proposal: one leg per participant, transferring that participant's give set
// to its cycle successor, each with a deposit deadline. The timeline starts
// in escrow.pending with every leg pending.
func BuildTimeline(p *contracts.CycleProposal, now time.Time, depositWindow time.Duration) (*contracts.SettlementTimeline, error) {
	if len(p.Participants) < 2 {
		return nil, contracts.Errf(contracts.CodeFatalInconsistency,
			"proposal %s has %d participants, cannot settle", p.ID, len(p.Participants))
	}
	deadline := now.Add(depositWindow)
	legs := make([]contracts.SwapLeg, len(p.Participants))
	for i, m := range p.Participants {
		to, ok := p.Participant(m.GivesToIntentID)
		if !ok {
			return nil, contracts.Errf(contracts.CodeFatalInconsistency,
				"proposal %s participant %s gives to unknown intent %s", p.ID, m.IntentID, m.GivesToIntentID)
		}
		legs[i] = contracts.SwapLeg{
			ID:                fmt.Sprintf("%s-leg-%d", p.ID, i),
			FromActorID:       m.ActorID,
			FromIntentID:      m.IntentID,
			ToActorID:         to.ActorID,
			ToIntentID:        to.IntentID,
			Assets:            m.Give,
			Status:            contracts.LegPending,
			DepositDeadlineAt: deadline,
		}
	}
	return &contracts.SettlementTimeline{
		CycleID:   p.ID,
		State:     contracts.TimelineEscrowWait,
		Legs:      legs,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
