// Package contracts defines the durable domain objects exchanged between the
// clearing engine's components: swap intents, cycle proposals, reservations,
// commits, settlement timelines and receipts.
package contracts

import "time"

// IntentStatus is the lifecycle status of a SwapIntent.
type IntentStatus string

const (
	IntentActive       IntentStatus = "active"
	IntentReserved     IntentStatus = "reserved"
	IntentInSettlement IntentStatus = "in_settlement"
	IntentCompleted    IntentStatus = "completed"
	IntentExpired      IntentStatus = "expired"
	IntentCancelled    IntentStatus = "cancelled"
)

// TrustTier selects the matching policy envelope for an actor.
type TrustTier string

const (
	TierStrict   TrustTier = "strict"
	TierStandard TrustTier = "standard"
	TierOpen     TrustTier = "open"
)

// AssetRef identifies one offered or wanted asset. Values are minor units
// (cents) from the pricing source recorded on the owning intent.
type AssetRef struct {
	ID             string            `json:"id"`
	Category       string            `json:"category"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	EstimatedValue int64             `json:"estimated_value"`
}

// CategoryConstraint matches any asset of a category whose attributes contain
// every listed key/value pair.
type CategoryConstraint struct {
	Category   string            `json:"category"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// WantSpec is the set of acceptable targets for an intent: specific asset ids
// and/or category constraints. A want is satisfied when at least one element
// matches.
type WantSpec struct {
	AssetIDs   []string             `json:"asset_ids,omitempty"`
	Categories []CategoryConstraint `json:"categories,omitempty"`
}

// ValueBand bounds the value an intent will accept in return for its offer.
type ValueBand struct {
	MinValue      int64  `json:"min_value"`
	MaxValue      int64  `json:"max_value"`
	PricingSource string `json:"pricing_source"`
}

// TrustConstraints are the counterparty requirements declared by an intent.
type TrustConstraints struct {
	MinCounterpartyReliability float64 `json:"min_counterparty_reliability"`
	MaxCycleLength             int     `json:"max_cycle_length"`
	RequireEscrow              bool    `json:"require_escrow"`
}

// TimeConstraints bound an intent's lifetime in the pool.
type TimeConstraints struct {
	ExpiresAt time.Time `json:"expires_at"`
	Urgency   string    `json:"urgency,omitempty"`
}

// SwapIntent is one actor's standing offer/want pair. It is the unit the
// matcher reserves: an intent is reserved or in settlement for at most one
// cycle at a time.
type SwapIntent struct {
	ID          string           `json:"id"`
	ActorID     string           `json:"actor_id"`
	Offer       []AssetRef       `json:"offer"`
	Want        WantSpec         `json:"want_spec"`
	ValueBand   ValueBand        `json:"value_band"`
	Trust       TrustConstraints `json:"trust_constraints"`
	Time        TimeConstraints  `json:"time_constraints"`
	Status      IntentStatus     `json:"status"`
	Tier        TrustTier        `json:"tier"`
	Reliability float64          `json:"reliability"`
	VerifiedAt  time.Time        `json:"verified_at"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Version     int64            `json:"version"`
}

// OfferValue is the summed estimated value of the intent's offered assets.
func (i *SwapIntent) OfferValue() int64 {
	var total int64
	for _, a := range i.Offer {
		total += a.EstimatedValue
	}
	return total
}

// Matchable reports whether the intent can enter a matching run snapshot.
func (i *SwapIntent) Matchable(now time.Time) bool {
	if i.Status != IntentActive {
		return false
	}
	return i.Time.ExpiresAt.IsZero() || now.Before(i.Time.ExpiresAt)
}
