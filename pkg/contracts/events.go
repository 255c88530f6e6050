package contracts

import (
	"encoding/json"
	"time"
)

// EventType names an emitted engine event.
type EventType string

const (
	EventProposalCreated     EventType = "proposal.created"
	EventProposalExpired     EventType = "proposal.expired"
	EventCycleStateChanged   EventType = "cycle.state_changed"
	EventDepositRequired     EventType = "settlement.deposit_required"
	EventDepositConfirmed    EventType = "settlement.deposit_confirmed"
	EventSettlementExecuting EventType = "settlement.executing"
	EventReceiptCreated      EventType = "receipt.created"
	EventCycleFailed         EventType = "cycle.failed"
)

// EventEnvelope wraps an emitted event for the outbox. PayloadHash is the
// SHA-256 of the canonical payload; Signature covers the hash so downstream
// consumers can verify without re-canonicalizing.
type EventEnvelope struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	Signature   string          `json:"signature,omitempty"`
	SignerKey   string          `json:"signer_key,omitempty"`
}
