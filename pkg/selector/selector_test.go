package selector

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapcycle/clearing/pkg/contracts"
)

func cand(score float64, ids ...string) contracts.CandidateCycle {
	return contracts.CandidateCycle{IntentIDs: ids, Score: score}
}

func TestSelectPrefersHigherScore(t *testing.T) {
	res := Select([]contracts.CandidateCycle{
		cand(0.4, "a", "b"),
		cand(0.9, "a", "c"), // overlaps on a, higher score
	}, Options{})

	require.Len(t, res.Selected, 1)
	assert.Equal(t, []string{"a", "c"}, res.Selected[0].IntentIDs)
	assert.Equal(t, 1, res.Rejects[RejectClaimed])
}

func TestSelectDisjointBothKept(t *testing.T) {
	res := Select([]contracts.CandidateCycle{
		cand(0.4, "a", "b"),
		cand(0.9, "x", "y", "z"),
	}, Options{})
	assert.Len(t, res.Selected, 2)
}

func TestSelectTieBreaksDeterministic(t *testing.T) {
	// Equal scores: shorter cycle wins, then smallest participant tuple.
	res := Select([]contracts.CandidateCycle{
		cand(0.5, "m", "n", "o"),
		cand(0.5, "a", "b"),
	}, Options{})
	require.Len(t, res.Selected, 2)
	assert.Equal(t, []string{"a", "b"}, res.Selected[0].IntentIDs)

	res = Select([]contracts.CandidateCycle{
		cand(0.5, "b", "c"),
		cand(0.5, "a", "b"),
	}, Options{})
	require.Len(t, res.Selected, 1)
	assert.Equal(t, []string{"a", "b"}, res.Selected[0].IntentIDs)
}

func TestSelectHonorsPriorReservations(t *testing.T) {
	res := Select([]contracts.CandidateCycle{
		cand(0.9, "a", "b"),
	}, Options{IsReserved: func(id string) bool { return id == "b" }})

	assert.Empty(t, res.Selected)
	assert.Equal(t, 1, res.Rejects[RejectReserved])
}

func TestSelectProposalCap(t *testing.T) {
	res := Select([]contracts.CandidateCycle{
		cand(0.9, "a", "b"),
		cand(0.8, "c", "d"),
		cand(0.7, "e", "f"),
	}, Options{MaxProposals: 2})

	assert.Len(t, res.Selected, 2)
	assert.Equal(t, 1, res.Rejects[RejectCapReached])
}

// Conflict-freedom must hold for every candidate set: no intent id appears in
// two selected cycles.
func TestSelectConflictFreeProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genCycle := gopter.CombineGens(
		gen.SliceOfN(3, gen.IntRange(0, 11)),
		gen.Float64Range(0, 1),
	).Map(func(vals []interface{}) contracts.CandidateCycle {
		members := vals[0].([]int)
		seen := map[string]bool{}
		var ids []string
		for _, m := range members {
			id := fmt.Sprintf("int-%02d", m)
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return contracts.CandidateCycle{IntentIDs: ids, Score: vals[1].(float64)}
	})

	properties.Property("no intent in two selected cycles", prop.ForAll(
		func(cands []contracts.CandidateCycle) bool {
			res := Select(cands, Options{})
			used := map[string]bool{}
			for _, c := range res.Selected {
				for _, id := range c.IntentIDs {
					if used[id] {
						return false
					}
					used[id] = true
				}
			}
			return true
		},
		gen.SliceOf(genCycle),
	))

	properties.TestingRun(t)
}
