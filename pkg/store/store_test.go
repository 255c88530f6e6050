package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapcycle/clearing/pkg/contracts"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedIntent(t *testing.T, s *Store, id string) *contracts.SwapIntent {
	t.Helper()
	in := &contracts.SwapIntent{
		ID:        id,
		ActorID:   "actor-" + id,
		Offer:     []contracts.AssetRef{{ID: "asset-" + id, EstimatedValue: 100}},
		Want:      contracts.WantSpec{AssetIDs: []string{"anything"}},
		Status:    contracts.IntentActive,
		UpdatedAt: now,
	}
	require.NoError(t, s.PutIntent(context.Background(), in, 0))
	return in
}

func TestPutIntentVersioning(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	in := seedIntent(t, s, "int-1")
	assert.Equal(t, int64(1), in.Version)

	// Duplicate create conflicts.
	dup := *in
	err := s.PutIntent(ctx, &dup, 0)
	assert.Equal(t, contracts.CodeConflict, contracts.CodeOf(err))

	// Versioned update succeeds once.
	in.Reliability = 0.7
	require.NoError(t, s.PutIntent(ctx, in, 1))
	assert.Equal(t, int64(2), in.Version)

	// Stale version is rejected.
	err = s.PutIntent(ctx, in, 1)
	assert.Equal(t, contracts.CodeConflict, contracts.CodeOf(err))

	got, err := s.GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.Reliability)
	assert.Equal(t, int64(2), got.Version)
}

func TestTransitionIntentCAS(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedIntent(t, s, "int-1")

	require.NoError(t, s.TransitionIntent(ctx, "int-1", contracts.IntentActive, contracts.IntentReserved, now))

	err := s.TransitionIntent(ctx, "int-1", contracts.IntentActive, contracts.IntentReserved, now)
	assert.Equal(t, contracts.CodeConflict, contracts.CodeOf(err))

	got, err := s.GetIntent(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentReserved, got.Status)
}

func TestReserveCycleAllOrNothing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedIntent(t, s, "int-a")
	seedIntent(t, s, "int-b")
	seedIntent(t, s, "int-c")

	// int-c is already claimed by another proposal.
	require.NoError(t, s.ReserveCycle(ctx, []string{"int-c"}, "prop-other", now.Add(time.Hour), now))

	err := s.ReserveCycle(ctx, []string{"int-a", "int-b", "int-c"}, "prop-1", now.Add(time.Hour), now)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeConflict, contracts.CodeOf(err))

	// Nothing was half-reserved: a and b are still active with no
	// reservation rows.
	for _, id := range []string{"int-a", "int-b"} {
		got, err := s.GetIntent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.IntentActive, got.Status, id)
		_, err = s.GetReservation(ctx, id, now)
		assert.Equal(t, contracts.CodeNotFound, contracts.CodeOf(err), id)
	}
}

func TestReserveCycleReclaimsExpired(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedIntent(t, s, "int-a")

	require.NoError(t, s.ReserveCycle(ctx, []string{"int-a"}, "prop-1", now.Add(time.Minute), now))
	// The reservation lapsed and the sweep returned the intent to active,
	// but the row was not yet deleted.
	require.NoError(t, s.TransitionIntent(ctx, "int-a", contracts.IntentReserved, contracts.IntentActive, now))

	later := now.Add(2 * time.Minute)
	require.NoError(t, s.ReserveCycle(ctx, []string{"int-a"}, "prop-2", later.Add(time.Hour), later))

	r, err := s.GetReservation(ctx, "int-a", later)
	require.NoError(t, err)
	assert.Equal(t, "prop-2", r.ProposalID)
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedIntent(t, s, "int-a")
	seedIntent(t, s, "int-b")

	const attempts = 16
	var wg sync.WaitGroup
	wins := make(chan string, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		proposalID := "prop-" + string(rune('a'+i))
		go func() {
			defer wg.Done()
			if err := s.ReserveCycle(ctx, []string{"int-a", "int-b"}, proposalID, now.Add(time.Hour), now); err == nil {
				wins <- proposalID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	r, err := s.GetReservation(ctx, "int-a", now)
	require.NoError(t, err)
	assert.Equal(t, winners[0], r.ProposalID)
}

func TestCommitPutIfAbsent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := &contracts.Commit{
		ProposalID: "prop-1", IntentID: "int-a", ActorID: "actor-a",
		Decision: contracts.DecisionAccept, DecidedAt: now,
	}
	stored, created, err := s.PutCommitIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, contracts.DecisionAccept, stored.Decision)

	// A conflicting later decision does not overwrite.
	second := &contracts.Commit{
		ProposalID: "prop-1", IntentID: "int-a", ActorID: "actor-a",
		Decision: contracts.DecisionDecline, DecidedAt: now.Add(time.Minute),
	}
	stored, created, err = s.PutCommitIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, contracts.DecisionAccept, stored.Decision)
}

func TestTimelineConditionalCreate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	tl := &contracts.SettlementTimeline{
		CycleID: "cyc-1", State: contracts.TimelineEscrowWait, UpdatedAt: now,
		Legs: []contracts.SwapLeg{{ID: "leg-1", Status: contracts.LegPending}},
	}
	_, created, err := s.CreateTimelineIfAbsent(ctx, tl)
	require.NoError(t, err)
	assert.True(t, created)

	again := &contracts.SettlementTimeline{CycleID: "cyc-1", State: contracts.TimelineAccepted, UpdatedAt: now}
	existing, created, err := s.CreateTimelineIfAbsent(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, contracts.TimelineEscrowWait, existing.State)
	require.Len(t, existing.Legs, 1)
}

func TestReceiptImmutable(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r := &contracts.SwapReceipt{
		ReceiptID: "rcpt-1", CycleID: "cyc-1",
		FinalState: contracts.TimelineCompleted, CreatedAt: now,
	}
	_, created, err := s.PutReceiptIfAbsent(ctx, r)
	require.NoError(t, err)
	assert.True(t, created)

	clash := &contracts.SwapReceipt{
		ReceiptID: "rcpt-2", CycleID: "cyc-1",
		FinalState: contracts.TimelineFailed, CreatedAt: now,
	}
	stored, created, err := s.PutReceiptIfAbsent(ctx, clash)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "rcpt-1", stored.ReceiptID)
	assert.Equal(t, contracts.TimelineCompleted, stored.FinalState)
}

func TestIdempotencyPutIfAbsent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec := &IdempotencyRecord{Key: "op-1", Operation: "release", Result: []byte(`{"ok":true}`), CreatedAt: now}
	_, created, err := s.PutIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	replay := &IdempotencyRecord{Key: "op-1", Operation: "release", Result: []byte(`{"ok":false}`), CreatedAt: now}
	prior, created, err := s.PutIfAbsent(ctx, replay)
	require.NoError(t, err)
	assert.False(t, created)
	assert.JSONEq(t, `{"ok":true}`, string(prior.Result))
}

func TestOutboxLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	env := &contracts.EventEnvelope{
		ID: "evt-1", Type: contracts.EventProposalCreated,
		OccurredAt: now, Payload: []byte(`{"proposal_id":"prop-1"}`),
	}
	require.NoError(t, s.AppendOutbox(ctx, env))
	require.NoError(t, s.AppendOutbox(ctx, env)) // replay is a no-op

	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, contracts.EventProposalCreated, pending[0].Type)

	require.NoError(t, s.MarkOutboxSent(ctx, "evt-1", now))
	pending, err = s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConvertReservationsToSettlement(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedIntent(t, s, "int-a")
	seedIntent(t, s, "int-b")
	require.NoError(t, s.ReserveCycle(ctx, []string{"int-a", "int-b"}, "prop-1", now.Add(time.Hour), now))

	require.NoError(t, s.ConvertReservationsToSettlement(ctx, "prop-1", []string{"int-a", "int-b"}, now))

	for _, id := range []string{"int-a", "int-b"} {
		got, err := s.GetIntent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.IntentInSettlement, got.Status)
	}
	rs, err := s.ReservationsForProposal(ctx, "prop-1")
	require.NoError(t, err)
	assert.Empty(t, rs)
}
