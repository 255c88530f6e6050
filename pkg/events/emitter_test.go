package events

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/crypto"
	"github.com/swapcycle/clearing/pkg/store"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type captureSink struct {
	got  []*contracts.EventEnvelope
	fail bool
}

func (c *captureSink) Deliver(_ context.Context, env *contracts.EventEnvelope) error {
	if c.fail {
		return errors.New("downstream unavailable")
	}
	c.got = append(c.got, env)
	return nil
}

func TestEmitSignsEnvelope(t *testing.T) {
	s := openStore(t)
	signer, err := crypto.NewEd25519Signer("events-key")
	require.NoError(t, err)

	em := NewEmitter(s, signer, testLogger()).WithClock(func() time.Time { return now })
	require.NoError(t, em.Emit(context.Background(), contracts.EventProposalCreated,
		map[string]any{"proposal_id": "prop-1"}))

	pending, err := s.PendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	env := pending[0]
	assert.Equal(t, contracts.EventProposalCreated, env.Type)
	assert.NotEmpty(t, env.PayloadHash)
	assert.Equal(t, "events-key", env.SignerKey)

	ok, err := signer.Verify([]byte(env.PayloadHash), env.Signature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDispatcherDrainsInOrder(t *testing.T) {
	s := openStore(t)
	em := NewEmitter(s, nil, testLogger())

	times := []time.Time{now, now.Add(time.Second), now.Add(2 * time.Second)}
	i := 0
	em.WithClock(func() time.Time { t := times[i]; i++; return t })

	ctx := context.Background()
	require.NoError(t, em.Emit(ctx, contracts.EventProposalCreated, map[string]any{"n": 1}))
	require.NoError(t, em.Emit(ctx, contracts.EventCycleStateChanged, map[string]any{"n": 2}))
	require.NoError(t, em.Emit(ctx, contracts.EventReceiptCreated, map[string]any{"n": 3}))

	sink := &captureSink{}
	d := NewDispatcher(s, sink, testLogger(), time.Second)
	require.NoError(t, d.DrainOnce(ctx))

	require.Len(t, sink.got, 3)
	assert.Equal(t, contracts.EventProposalCreated, sink.got[0].Type)
	assert.Equal(t, contracts.EventReceiptCreated, sink.got[2].Type)

	// Nothing left behind.
	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcherKeepsPendingOnSinkFailure(t *testing.T) {
	s := openStore(t)
	em := NewEmitter(s, nil, testLogger())
	ctx := context.Background()
	require.NoError(t, em.Emit(ctx, contracts.EventProposalCreated, map[string]any{"n": 1}))

	sink := &captureSink{fail: true}
	d := NewDispatcher(s, sink, testLogger(), time.Second)
	require.Error(t, d.DrainOnce(ctx))

	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Recovery delivers the same envelope: at-least-once.
	sink.fail = false
	require.NoError(t, d.DrainOnce(ctx))
	require.Len(t, sink.got, 1)
	assert.Equal(t, pending[0].ID, sink.got[0].ID)
}
