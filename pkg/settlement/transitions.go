// Package settlement drives a committed cycle through escrow, execution and a
// terminal completed/failed state, including the timeout-driven unwind. State
// transitions are pure functions over the persisted timeline; every write is
// guarded by an idempotency key so retries return the prior result instead of
// re-executing.
package settlement

import (
	"github.com/swapcycle/clearing/pkg/contracts"
)

// Event is a settlement occurrence applied to a timeline state.
type Event string

const (
	// EventStart opens the deposit window for every leg.
	EventStart Event = "start"
	// EventAllDeposited is the final deposit completing escrow.
	EventAllDeposited Event = "all_deposited"
	// EventBeginExecution starts the all-or-nothing release batch.
	EventBeginExecution Event = "begin_execution"
	// EventComplete records the final release of the batch.
	EventComplete Event = "complete"
	// EventFail moves any non-terminal timeline to failed.
	EventFail Event = "fail"
)

// Next computes the successor state, or an error when the event does not
// apply to the current state. failed is reachable from every non-terminal
// state; completed only through the full escrow path.
func Next(state contracts.TimelineState, event Event) (contracts.TimelineState, error) {
	if state.Terminal() {
		return state, contracts.Errf(contracts.CodeExpired, "timeline already terminal in %s", state)
	}
	if event == EventFail {
		return contracts.TimelineFailed, nil
	}
	switch state {
	case contracts.TimelineAccepted:
		if event == EventStart {
			return contracts.TimelineEscrowWait, nil
		}
	case contracts.TimelineEscrowWait:
		if event == EventAllDeposited {
			return contracts.TimelineEscrowReady, nil
		}
	case contracts.TimelineEscrowReady:
		if event == EventBeginExecution {
			return contracts.TimelineExecuting, nil
		}
	case contracts.TimelineExecuting:
		if event == EventComplete {
			return contracts.TimelineCompleted, nil
		}
	}
	return state, contracts.Errf(contracts.CodeConflict, "event %s does not apply in state %s", event, state)
}
