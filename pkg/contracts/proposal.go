package contracts

import "time"

// ProposalStatus is the lifecycle status of a CycleProposal.
type ProposalStatus string

const (
	ProposalProposed          ProposalStatus = "proposed"
	ProposalPartiallyAccepted ProposalStatus = "partially_accepted"
	ProposalAccepted          ProposalStatus = "accepted"
	ProposalExpired           ProposalStatus = "expired"
	ProposalCancelled         ProposalStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalAccepted || s == ProposalExpired || s == ProposalCancelled
}

// Decision is a participant's binding answer to a proposal.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// ProposalParticipant is one intent's position inside a proposed cycle: the
// assets it gives, the assets it gets, and who receives its transfer.
type ProposalParticipant struct {
	IntentID string     `json:"intent_id"`
	ActorID  string     `json:"actor_id"`
	Give     []AssetRef `json:"give"`
	Get      []AssetRef `json:"get"`
	// GivesToIntentID is the cycle member that receives this participant's
	// assets during settlement.
	GivesToIntentID string `json:"gives_to_intent_id"`
}

// CycleProposal is a candidate cycle promoted to a durable object. All member
// intents are reserved at creation and released on expiry or decline.
type CycleProposal struct {
	ID              string                `json:"id"`
	Participants    []ProposalParticipant `json:"participants"`
	ConfidenceScore float64               `json:"confidence_score"`
	ValueSpread     float64               `json:"value_spread"`
	FeeBreakdown    map[string]int64      `json:"fee_breakdown,omitempty"`
	ScoreTrace      []string              `json:"score_trace,omitempty"`
	Status          ProposalStatus        `json:"status"`
	ExpiresAt       time.Time             `json:"expires_at"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	Version         int64                 `json:"version"`
}

// IntentIDs returns the member intent ids in cycle order.
func (p *CycleProposal) IntentIDs() []string {
	ids := make([]string, len(p.Participants))
	for i, m := range p.Participants {
		ids[i] = m.IntentID
	}
	return ids
}

// Participant returns the participant record for intentID, if present.
func (p *CycleProposal) Participant(intentID string) (ProposalParticipant, bool) {
	for _, m := range p.Participants {
		if m.IntentID == intentID {
			return m, true
		}
	}
	return ProposalParticipant{}, false
}

// Reservation binds an intent to a proposal for a bounded window. At most one
// live reservation exists per intent system-wide.
type Reservation struct {
	IntentID   string    `json:"intent_id"`
	ProposalID string    `json:"proposal_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Live reports whether the reservation is still in force at now.
func (r Reservation) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Commit is a participant's recorded accept/decline for a proposal. The pair
// (ProposalID, IntentID) is unique; replays return the stored record.
type Commit struct {
	ProposalID     string    `json:"proposal_id"`
	IntentID       string    `json:"intent_id"`
	ActorID        string    `json:"actor_id"`
	Decision       Decision  `json:"decision"`
	DecidedAt      time.Time `json:"decided_at"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}
