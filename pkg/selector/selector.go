// Package selector picks a conflict-free subset of scored candidate cycles: a
// greedy approximation to maximum-weight set packing. Optimality is not
// required; determinism and conflict-freedom are.
package selector

import (
	"sort"
	"strings"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// RejectReason categorizes why a candidate was not selected. Counts feed
// observability; rejected candidates are not retried automatically.
type RejectReason string

const (
	RejectClaimed      RejectReason = "intent_claimed"
	RejectReserved     RejectReason = "already_reserved"
	RejectCapReached   RejectReason = "proposal_cap"
	RejectMissingValue RejectReason = "missing_value"
)

// Result is the outcome of one selection pass.
type Result struct {
	Selected []contracts.CandidateCycle
	Rejects  map[RejectReason]int
}

// Options bound a selection pass.
type Options struct {
	// MaxProposals caps proposals per run; zero means unlimited.
	MaxProposals int
	// IsReserved reports whether an intent is already claimed by a prior
	// run. Nil means nothing is reserved.
	IsReserved func(intentID string) bool
}

// Select orders candidates by score descending (ties: shorter cycle first,
// then lexicographically smallest participant tuple) and greedily accepts any
// candidate whose intents are all unclaimed. The ordering makes the output
// deterministic for a fixed candidate set.
func Select(candidates []contracts.CandidateCycle, opts Options) Result {
	ordered := make([]contracts.CandidateCycle, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.IntentIDs) != len(b.IntentIDs) {
			return len(a.IntentIDs) < len(b.IntentIDs)
		}
		return strings.Join(a.IntentIDs, "\x00") < strings.Join(b.IntentIDs, "\x00")
	})

	res := Result{Rejects: make(map[RejectReason]int)}
	claimed := make(map[string]bool)

	for _, c := range ordered {
		if opts.MaxProposals > 0 && len(res.Selected) >= opts.MaxProposals {
			res.Rejects[RejectCapReached]++
			continue
		}
		if reason, ok := conflict(c, claimed, opts.IsReserved); ok {
			res.Rejects[reason]++
			continue
		}
		for _, id := range c.IntentIDs {
			claimed[id] = true
		}
		res.Selected = append(res.Selected, c)
	}
	return res
}

func conflict(c contracts.CandidateCycle, claimed map[string]bool, isReserved func(string) bool) (RejectReason, bool) {
	for _, id := range c.IntentIDs {
		if claimed[id] {
			return RejectClaimed, true
		}
		if isReserved != nil && isReserved(id) {
			return RejectReserved, true
		}
	}
	return "", false
}
