package contracts

// CompatibilityEdge is a derived, run-scoped edge: the offer of To satisfies
// the want and constraints of From. Edges are rebuilt from a snapshot on every
// matching run and never persisted.
type CompatibilityEdge struct {
	FromIntentID string `json:"from_intent_id"`
	ToIntentID   string `json:"to_intent_id"`
	// MatchedTarget is the want element that matched, in plain terms
	// ("asset:guitar-01", "category:vinyl genre=jazz").
	MatchedTarget string `json:"matched_target"`
	// ImpliedValue is the value From receives if this edge executes.
	ImpliedValue int64 `json:"implied_value"`
}

// CandidateCycle is an ordered list of intent ids forming a directed cycle,
// canonicalized to start at the lexicographically smallest id. It exists only
// during one matching run.
type CandidateCycle struct {
	IntentIDs []string `json:"intent_ids"`
	Score     float64  `json:"score"`
	// ValueSpread is the max pairwise relative value deviation across the
	// cycle; lower is tighter.
	ValueSpread float64 `json:"value_spread"`
	// Trace records each satisfied constraint in plain terms.
	Trace []string `json:"trace,omitempty"`
}

// Contains reports whether id is a member of the cycle.
func (c CandidateCycle) Contains(id string) bool {
	for _, m := range c.IntentIDs {
		if m == id {
			return true
		}
	}
	return false
}
