package contracts

import "time"

// TimelineState is the settlement state of a committed cycle.
type TimelineState string

const (
	TimelineAccepted    TimelineState = "accepted"
	TimelineEscrowWait  TimelineState = "escrow.pending"
	TimelineEscrowReady TimelineState = "escrow.ready"
	TimelineExecuting   TimelineState = "executing"
	TimelineCompleted   TimelineState = "completed"
	TimelineFailed      TimelineState = "failed"
)

// Terminal reports whether the timeline can no longer transition.
func (s TimelineState) Terminal() bool {
	return s == TimelineCompleted || s == TimelineFailed
}

// LegStatus is the status of one directional transfer inside a cycle.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegDeposited LegStatus = "deposited"
	LegReleased  LegStatus = "released"
	LegRefunded  LegStatus = "refunded"
)

// FailureReason codes a settlement failure for receipts and events.
type FailureReason string

const (
	ReasonCounterpartyTimeout FailureReason = "counterparty_timeout"
	ReasonVerificationFailure FailureReason = "verification_failure"
	ReasonPlatformError       FailureReason = "platform_error"
)

// SwapLeg is one directional asset transfer within a settling cycle.
// ReleaseOpID and RefundOpID are idempotency guards: a leg is released or
// refunded at most once no matter how often the transition is retried.
type SwapLeg struct {
	ID                string     `json:"id"`
	FromActorID       string     `json:"from_actor_id"`
	FromIntentID      string     `json:"from_intent_id"`
	ToActorID         string     `json:"to_actor_id"`
	ToIntentID        string     `json:"to_intent_id"`
	Assets            []AssetRef `json:"assets"`
	Status            LegStatus  `json:"status"`
	DepositDeadlineAt time.Time  `json:"deposit_deadline_at"`
	DepositProofID    string     `json:"deposit_proof_id,omitempty"`
	DepositedAt       time.Time  `json:"deposited_at,omitempty"`
	ReleaseOpID       string     `json:"release_op_id,omitempty"`
	RefundOpID        string     `json:"refund_op_id,omitempty"`
}

// SettlementTimeline drives one fully-committed proposal through escrow to a
// terminal state. CycleID equals the originating proposal id.
type SettlementTimeline struct {
	CycleID       string        `json:"cycle_id"`
	State         TimelineState `json:"state"`
	Legs          []SwapLeg     `json:"legs"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Version       int64         `json:"version"`
}

// Leg returns the leg with the given id, if present.
func (t *SettlementTimeline) Leg(legID string) (*SwapLeg, bool) {
	for i := range t.Legs {
		if t.Legs[i].ID == legID {
			return &t.Legs[i], true
		}
	}
	return nil, false
}

// AllLegs reports whether every leg has the given status.
func (t *SettlementTimeline) AllLegs(status LegStatus) bool {
	for _, l := range t.Legs {
		if l.Status != status {
			return false
		}
	}
	return len(t.Legs) > 0
}

// SwapReceipt is the immutable terminal record of a settlement. Exactly one
// receipt exists per timeline reaching a terminal state; it is never mutated
// after signing.
type SwapReceipt struct {
	ReceiptID  string           `json:"receipt_id"`
	CycleID    string           `json:"cycle_id"`
	IntentIDs  []string         `json:"intent_ids"`
	AssetIDs   []string         `json:"asset_ids"`
	Fees       map[string]int64 `json:"fees,omitempty"`
	FinalState TimelineState    `json:"final_state"`
	Reason     FailureReason    `json:"reason,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	Signature  string           `json:"signature,omitempty"`
	SignerKey  string           `json:"signer_key,omitempty"`
}
