package cycles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/graph"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// ring builds intents whose offers/wants form one directed ring over ids.
func ring(ids ...string) []*contracts.SwapIntent {
	n := len(ids)
	intents := make([]*contracts.SwapIntent, n)
	for i, id := range ids {
		// Each intent offers its own token and wants the next member's token,
		// producing edge id->next.
		next := ids[(i+1)%n]
		intents[i] = &contracts.SwapIntent{
			ID:          id,
			ActorID:     "actor-" + id,
			Offer:       []contracts.AssetRef{{ID: "token-" + id, Category: "t", EstimatedValue: 100}},
			Want:        contracts.WantSpec{AssetIDs: []string{"token-" + next}},
			ValueBand:   contracts.ValueBand{MaxValue: 1_000},
			Status:      contracts.IntentActive,
			Reliability: 1,
		}
	}
	return intents
}

func build(intents []*contracts.SwapIntent) *graph.Graph {
	return graph.Build(intents, now)
}

func TestEnumerateThreeCycle(t *testing.T) {
	g := build(ring("a", "b", "c"))
	got := Enumerate(g, Options{MaxLength: 4})
	require.Len(t, got, 1)
	assert.Equal(t, []string{"a", "b", "c"}, got[0].IntentIDs)
}

func TestEnumerateCanonicalStart(t *testing.T) {
	// Same ring declared from a different rotation still reports the cycle
	// starting at its smallest id.
	g := build(ring("c", "a", "b"))
	got := Enumerate(g, Options{MaxLength: 4})
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].IntentIDs[0])
}

func TestEnumerateTwoCycles(t *testing.T) {
	intents := append(ring("a", "b"), ring("x", "y", "z")...)
	g := build(intents)
	got := Enumerate(g, Options{MaxLength: 4})
	require.Len(t, got, 2)
	assert.Equal(t, []string{"a", "b"}, got[0].IntentIDs)
	assert.Equal(t, []string{"x", "y", "z"}, got[1].IntentIDs)
}

func TestEnumerateRespectsMaxLength(t *testing.T) {
	g := build(ring("a", "b", "c", "d", "e"))
	assert.Empty(t, Enumerate(g, Options{MaxLength: 4}))
	assert.Len(t, Enumerate(g, Options{MaxLength: 5}), 1)
}

func TestEnumerateRespectsMemberLengthCap(t *testing.T) {
	intents := ring("a", "b", "c", "d")
	intents[2].Trust.MaxCycleLength = 3
	g := build(intents)
	assert.Empty(t, Enumerate(g, Options{MaxLength: 5}))
}

func TestEnumerateCapPerStart(t *testing.T) {
	// a has edges to both b and c, and both close back to a: two 2-cycles
	// from start a.
	intents := []*contracts.SwapIntent{
		{
			ID: "a", ActorID: "actor-a",
			Offer:       []contracts.AssetRef{{ID: "token-a", EstimatedValue: 100}},
			Want:        contracts.WantSpec{AssetIDs: []string{"token-b", "token-c"}},
			ValueBand:   contracts.ValueBand{MaxValue: 1_000},
			Status:      contracts.IntentActive,
			Reliability: 1,
		},
		{
			ID: "b", ActorID: "actor-b",
			Offer:       []contracts.AssetRef{{ID: "token-b", EstimatedValue: 100}},
			Want:        contracts.WantSpec{AssetIDs: []string{"token-a"}},
			ValueBand:   contracts.ValueBand{MaxValue: 1_000},
			Status:      contracts.IntentActive,
			Reliability: 1,
		},
		{
			ID: "c", ActorID: "actor-c",
			Offer:       []contracts.AssetRef{{ID: "token-c", EstimatedValue: 100}},
			Want:        contracts.WantSpec{AssetIDs: []string{"token-a"}},
			ValueBand:   contracts.ValueBand{MaxValue: 1_000},
			Status:      contracts.IntentActive,
			Reliability: 1,
		},
	}
	g := build(intents)

	all := Enumerate(g, Options{MaxLength: 4})
	assert.Len(t, all, 2)

	capped := Enumerate(g, Options{MaxLength: 4, MaxPerStart: 1})
	assert.Len(t, capped, 1)
}

// node builds an intent with one out-edge per wanted member.
func node(id string, wants ...string) *contracts.SwapIntent {
	tokens := make([]string, len(wants))
	for i, w := range wants {
		tokens[i] = "token-" + w
	}
	return &contracts.SwapIntent{
		ID:          id,
		ActorID:     "actor-" + id,
		Offer:       []contracts.AssetRef{{ID: "token-" + id, Category: "t", EstimatedValue: 100}},
		Want:        contracts.WantSpec{AssetIDs: tokens},
		ValueBand:   contracts.ValueBand{MaxValue: 1_000},
		Status:      contracts.IntentActive,
		Reliability: 1,
	}
}

func TestEnumerateRevisitsNodeSkippedOnOccupiedPath(t *testing.T) {
	// The walk from a first reaches d via a,b,c where d's only edge points
	// back to on-path b. That dead end must not block d: the cycle a,d,b,c
	// reaches d on a path where b is still free.
	g := build([]*contracts.SwapIntent{
		node("a", "b", "d"),
		node("b", "c"),
		node("c", "a", "d"),
		node("d", "b"),
	})

	got := Enumerate(g, Options{MaxLength: 4})
	var cycles [][]string
	for _, c := range got {
		cycles = append(cycles, c.IntentIDs)
	}
	assert.Contains(t, cycles, []string{"a", "b", "c"})
	assert.Contains(t, cycles, []string{"a", "d", "b", "c"})
	assert.Contains(t, cycles, []string{"b", "c", "d"})
	assert.Len(t, cycles, 3)
}

func TestEnumerateDeterministic(t *testing.T) {
	intents := append(ring("a", "b", "c"), ring("m", "n")...)
	g := build(intents)

	first := Enumerate(g, Options{MaxLength: 4})
	for i := 0; i < 10; i++ {
		again := Enumerate(build(intents), Options{MaxLength: 4})
		require.Equal(t, first, again)
	}
}
