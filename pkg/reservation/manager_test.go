package reservation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/events"
	"github.com/swapcycle/clearing/pkg/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.Store
	manager *Manager
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.DiscardHandler)
	f := &fixture{store: s, now: t0}
	em := events.NewEmitter(s, nil, logger).WithClock(func() time.Time { return f.now })
	f.manager = NewManager(s, em, logger, time.Hour).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) seedIntent(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.PutIntent(context.Background(), &contracts.SwapIntent{
		ID: id, ActorID: "actor-" + id,
		Offer:     []contracts.AssetRef{{ID: "asset-" + id, EstimatedValue: 100}},
		Want:      contracts.WantSpec{AssetIDs: []string{"x"}},
		Status:    contracts.IntentActive,
		UpdatedAt: t0,
	}, 0))
}

func (f *fixture) seedProposal(t *testing.T, id string, intentIDs ...string) {
	t.Helper()
	parts := make([]contracts.ProposalParticipant, len(intentIDs))
	for i, iid := range intentIDs {
		parts[i] = contracts.ProposalParticipant{IntentID: iid, ActorID: "actor-" + iid}
	}
	require.NoError(t, f.store.CreateProposal(context.Background(), &contracts.CycleProposal{
		ID: id, Participants: parts,
		Status:    contracts.ProposalProposed,
		ExpiresAt: t0.Add(time.Hour),
		UpdatedAt: t0,
	}))
}

func TestTryReserveThenConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedIntent(t, "int-a")
	f.seedIntent(t, "int-b")

	require.NoError(t, f.manager.TryReserve(ctx, []string{"int-a", "int-b"}, "prop-1"))
	assert.True(t, f.manager.IsReserved(ctx, "int-a"))

	err := f.manager.TryReserve(ctx, []string{"int-b"}, "prop-2")
	assert.Equal(t, contracts.CodeConflict, contracts.CodeOf(err))
}

func TestReleaseReturnsIntentToPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedIntent(t, "int-a")

	require.NoError(t, f.manager.TryReserve(ctx, []string{"int-a"}, "prop-1"))
	require.NoError(t, f.manager.Release(ctx, "int-a"))

	assert.False(t, f.manager.IsReserved(ctx, "int-a"))
	got, err := f.store.GetIntent(ctx, "int-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentActive, got.Status)

	// Reservable again.
	require.NoError(t, f.manager.TryReserve(ctx, []string{"int-a"}, "prop-2"))
}

func TestSweepExpiredReleasesAndExpiresProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedIntent(t, "int-a")
	f.seedIntent(t, "int-b")
	f.seedProposal(t, "prop-1", "int-a", "int-b")

	require.NoError(t, f.manager.TryReserve(ctx, []string{"int-a", "int-b"}, "prop-1"))

	// Before the TTL nothing happens.
	n, err := f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = t0.Add(2 * time.Hour)
	n, err = f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"int-a", "int-b"} {
		got, err := f.store.GetIntent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.IntentActive, got.Status, id)
	}

	p, err := f.store.GetProposal(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalExpired, p.Status)

	pending, err := f.store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, contracts.EventProposalExpired, pending[0].Type)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedIntent(t, "int-a")
	f.seedProposal(t, "prop-1", "int-a")
	require.NoError(t, f.manager.TryReserve(ctx, []string{"int-a"}, "prop-1"))

	f.now = t0.Add(2 * time.Hour)
	_, err := f.manager.SweepExpired(ctx)
	require.NoError(t, err)

	n, err := f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	p, err := f.store.GetProposal(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalExpired, p.Status)
}
