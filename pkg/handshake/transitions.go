// Package handshake implements the two-phase accept/decline protocol that
// converts a proposal into a settlement-ready commit. The state machine is
// expressed as pure transition functions over the persisted proposal status,
// tested independently of I/O.
package handshake

import (
	"github.com/swapcycle/clearing/pkg/contracts"
)

// Event is a handshake occurrence applied to a proposal status.
type Event string

const (
	// EventAccept is one participant's accept with others outstanding.
	EventAccept Event = "accept"
	// EventAllAccepted is the final accept completing the set.
	EventAllAccepted Event = "all_accepted"
	// EventDecline is any participant's decline; it cancels the proposal.
	EventDecline Event = "decline"
	// EventExpire is a lapsed reservation observed by the sweep.
	EventExpire Event = "expire"
)

// Next computes the successor status. It returns EXPIRED for events against
// terminal or expired statuses (the stale-proposal failure) and never mutates
// anything.
func Next(status contracts.ProposalStatus, event Event) (contracts.ProposalStatus, error) {
	if status.Terminal() {
		return status, contracts.Errf(contracts.CodeExpired, "proposal not active: status %s", status)
	}
	switch event {
	case EventAccept:
		return contracts.ProposalPartiallyAccepted, nil
	case EventAllAccepted:
		return contracts.ProposalAccepted, nil
	case EventDecline:
		return contracts.ProposalCancelled, nil
	case EventExpire:
		return contracts.ProposalExpired, nil
	default:
		return status, contracts.Errf(contracts.CodeValidation, "unknown handshake event %q", event)
	}
}
