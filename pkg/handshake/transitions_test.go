package handshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapcycle/clearing/pkg/contracts"
)

func TestNextAcceptPath(t *testing.T) {
	got, err := Next(contracts.ProposalProposed, EventAccept)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalPartiallyAccepted, got)

	got, err = Next(got, EventAllAccepted)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalAccepted, got)
}

func TestNextDeclineCancels(t *testing.T) {
	for _, from := range []contracts.ProposalStatus{
		contracts.ProposalProposed,
		contracts.ProposalPartiallyAccepted,
	} {
		got, err := Next(from, EventDecline)
		require.NoError(t, err, from)
		assert.Equal(t, contracts.ProposalCancelled, got, from)
	}
}

func TestNextExpire(t *testing.T) {
	got, err := Next(contracts.ProposalPartiallyAccepted, EventExpire)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalExpired, got)
}

func TestNextTerminalRejectsEverything(t *testing.T) {
	for _, status := range []contracts.ProposalStatus{
		contracts.ProposalAccepted,
		contracts.ProposalExpired,
		contracts.ProposalCancelled,
	} {
		for _, ev := range []Event{EventAccept, EventAllAccepted, EventDecline, EventExpire} {
			_, err := Next(status, ev)
			assert.Equal(t, contracts.CodeExpired, contracts.CodeOf(err), "%s/%s", status, ev)
		}
	}
}

func TestNextUnknownEvent(t *testing.T) {
	_, err := Next(contracts.ProposalProposed, Event("bogus"))
	assert.Equal(t, contracts.CodeValidation, contracts.CodeOf(err))
}
