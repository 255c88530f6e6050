package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/crypto"
	"github.com/swapcycle/clearing/pkg/events"
	"github.com/swapcycle/clearing/pkg/handshake"
	"github.com/swapcycle/clearing/pkg/reservation"
	"github.com/swapcycle/clearing/pkg/settlement"
	"github.com/swapcycle/clearing/pkg/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type releaseRecorder struct {
	released []string
}

func (p *releaseRecorder) Release(_ context.Context, leg contracts.SwapLeg, _ string) error {
	p.released = append(p.released, leg.ID)
	return nil
}

func (p *releaseRecorder) Refund(_ context.Context, _ contracts.SwapLeg, _ string) error {
	return nil
}

// fixture wires the full pipeline against one in-memory store.
type fixture struct {
	store     *store.Store
	engine    *Engine
	handshake *handshake.Service
	machine   *settlement.Machine
	signer    crypto.Signer
	port      *releaseRecorder
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	signer, err := crypto.NewEd25519Signer("engine-test")
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	f := &fixture{store: s, signer: signer, port: &releaseRecorder{}, now: t0}
	clock := func() time.Time { return f.now }

	em := events.NewEmitter(s, signer, logger).WithClock(clock)
	opts := DefaultOptions()
	res := reservation.NewManager(s, em, logger, opts.ReservationTTL).WithClock(clock)
	f.machine = settlement.NewMachine(s, signer, em, f.port, logger).WithClock(clock)
	f.handshake = handshake.New(s, res, em, logger, 48*time.Hour).WithClock(clock)
	f.engine = New(s, res, f.machine, em, logger, opts).WithClock(clock)
	return f
}

// seedRing stores three intents whose wants chain into one 3-cycle:
// A wants X and has Y, B wants Y and has Z, C wants Z and has X.
func (f *fixture) seedRing(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	specs := []struct {
		id, has, wants string
	}{
		{"int-a", "asset-y", "asset-x"},
		{"int-b", "asset-z", "asset-y"},
		{"int-c", "asset-x", "asset-z"},
	}
	for _, sp := range specs {
		require.NoError(t, f.store.PutIntent(ctx, &contracts.SwapIntent{
			ID:      sp.id,
			ActorID: "actor-" + sp.id,
			Offer:   []contracts.AssetRef{{ID: sp.has, Category: "instrument", EstimatedValue: 100}},
			Want:    contracts.WantSpec{AssetIDs: []string{sp.wants}},
			ValueBand: contracts.ValueBand{
				MinValue: 50, MaxValue: 150, PricingSource: "list",
			},
			Trust:       contracts.TrustConstraints{MinCounterpartyReliability: 0.5},
			Time:        contracts.TimeConstraints{ExpiresAt: f.now.Add(72 * time.Hour)},
			Status:      contracts.IntentActive,
			Tier:        contracts.TierStandard,
			Reliability: 0.9,
			VerifiedAt:  f.now,
			CreatedAt:   f.now,
			UpdatedAt:   f.now,
		}, 0))
	}
	return []string{"int-a", "int-b", "int-c"}
}

func (f *fixture) singleProposal(t *testing.T) *contracts.CycleProposal {
	t.Helper()
	ps, err := f.store.ListProposalsByStatus(context.Background(), contracts.ProposalProposed)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	return ps[0]
}

func TestRunOnceProposesSingleRing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seedRing(t)

	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Intents)
	assert.Equal(t, 1, report.Proposed)

	p := f.singleProposal(t)
	assert.Equal(t, contracts.ProposalProposed, p.Status)
	assert.ElementsMatch(t, ids, p.IntentIDs())
	assert.NotEmpty(t, p.ScoreTrace)

	// Every member is reserved for the proposal.
	for _, id := range ids {
		got, err := f.store.GetIntent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.IntentReserved, got.Status, id)
		r, err := f.store.GetReservation(ctx, id, f.now)
		require.NoError(t, err)
		assert.Equal(t, p.ID, r.ProposalID)
	}

	// Participants give to the member whose want they satisfy.
	for _, m := range p.Participants {
		to, ok := p.Participant(m.GivesToIntentID)
		require.True(t, ok)
		node, err := f.store.GetIntent(ctx, to.IntentID)
		require.NoError(t, err)
		assert.Equal(t, node.Want.AssetIDs[0], m.Give[0].ID,
			"%s gives %s to %s", m.IntentID, m.Give[0].ID, to.IntentID)
	}
}

func TestRunOnceIsIdempotentWhileReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRing(t)

	_, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)

	// Members are no longer active, so a second run finds nothing.
	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Proposed)
	assert.Zero(t, report.Intents)
}

func TestRunOnceDeterministicProposals(t *testing.T) {
	run := func() []string {
		f := newFixture(t)
		f.seedRing(t)
		_, err := f.engine.RunOnce(context.Background())
		require.NoError(t, err)
		return f.singleProposal(t).IntentIDs()
	}
	assert.Equal(t, run(), run())
}

func TestValueBandBlocksRing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seedRing(t)

	// Tighten one band so its inbound offer falls outside it.
	in, err := f.store.GetIntent(ctx, ids[0])
	require.NoError(t, err)
	in.ValueBand = contracts.ValueBand{MinValue: 101, MaxValue: 150, PricingSource: "list"}
	require.NoError(t, f.store.PutIntent(ctx, in, in.Version))

	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Proposed)
}

// Scenario: a member's reservation lapses before everyone accepts. The expiry
// sweep expires the proposal and returns all members to the pool.
func TestReservationExpiryReturnsMembersToPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seedRing(t)

	_, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	p := f.singleProposal(t)

	_, err = f.handshake.Accept(ctx, p.ID, "int-a", "actor-int-a")
	require.NoError(t, err)

	f.now = t0.Add(25 * time.Hour)
	n, err := f.engine.reservations.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := f.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalExpired, got.Status)

	for _, id := range ids {
		in, err := f.store.GetIntent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.IntentActive, in.Status, id)
	}

	// The pool is immediately matchable again.
	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Proposed)
}

// Scenario: everyone accepts, two deposit, the third misses the deadline. The
// sweep unwinds with refunds and a failed receipt.
func TestDepositTimeoutUnwindsCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seedRing(t)

	_, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	p := f.singleProposal(t)

	var tl *contracts.SettlementTimeline
	for _, id := range ids {
		out, err := f.handshake.Accept(ctx, p.ID, id, "actor-"+id)
		require.NoError(t, err)
		tl = out.Timeline
	}
	require.NotNil(t, tl)
	require.Equal(t, contracts.TimelineEscrowWait, tl.State)

	for _, leg := range tl.Legs[:2] {
		_, err := f.machine.ConfirmDeposit(ctx, tl.CycleID, leg.ID, "proof", "op-"+leg.ID)
		require.NoError(t, err)
	}

	f.now = t0.Add(49 * time.Hour)
	n, err := f.machine.SweepDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetTimeline(ctx, tl.CycleID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TimelineFailed, got.State)
	assert.Equal(t, contracts.LegRefunded, got.Legs[0].Status)
	assert.Equal(t, contracts.LegRefunded, got.Legs[1].Status)

	r, err := f.store.GetReceiptByCycle(ctx, tl.CycleID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TimelineFailed, r.FinalState)
	assert.Equal(t, contracts.ReasonCounterpartyTimeout, r.Reason)

	for _, id := range ids {
		in, err := f.store.GetIntent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.IntentActive, in.Status, id)
	}
}

// Scenario: the full happy path from matching run to signed completed receipt.
func TestFullClearingRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seedRing(t)

	_, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	p := f.singleProposal(t)

	var tl *contracts.SettlementTimeline
	for _, id := range ids {
		out, err := f.handshake.Accept(ctx, p.ID, id, "actor-"+id)
		require.NoError(t, err)
		tl = out.Timeline
	}
	require.NotNil(t, tl)

	for _, leg := range tl.Legs {
		_, err := f.machine.ConfirmDeposit(ctx, tl.CycleID, leg.ID, "proof", "op-"+leg.ID)
		require.NoError(t, err)
	}
	got, err := f.machine.BeginExecution(ctx, tl.CycleID, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.TimelineCompleted, got.State)
	assert.Len(t, f.port.released, 3)

	r, err := f.store.GetReceiptByCycle(ctx, tl.CycleID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TimelineCompleted, r.FinalState)
	assert.ElementsMatch(t, ids, r.IntentIDs)
	assert.Len(t, r.AssetIDs, 3)
	ok, err := f.signer.VerifyReceipt(r)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, id := range ids {
		in, err := f.store.GetIntent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.IntentCompleted, in.Status, id)
	}
}
