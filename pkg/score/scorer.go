// Package score assigns each candidate cycle a comparable score plus a plain
// explainability trace. Scoring is a pure function of the cycle, the graph and
// the configured weights.
package score

import (
	"fmt"
	"math"
	"time"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/graph"
)

// Weights are configuration, not computed. They need not sum to one; only the
// resulting ordering matters.
type Weights struct {
	Value     float64 `yaml:"value"`
	Length    float64 `yaml:"length"`
	Trust     float64 `yaml:"trust"`
	Freshness float64 `yaml:"freshness"`
	Age       float64 `yaml:"age"`
}

// DefaultWeights mirror the shipped matching profile.
func DefaultWeights() Weights {
	return Weights{Value: 0.35, Length: 0.20, Trust: 0.20, Freshness: 0.10, Age: 0.15}
}

// Scorer scores candidate cycles for one matching run.
type Scorer struct {
	weights Weights
	// maxLength normalizes the length penalty; cycles at maxLength score 0
	// on that term.
	maxLength int
	// freshnessHorizon is the verification age at which the freshness term
	// bottoms out.
	freshnessHorizon time.Duration
	// ageHorizon is the pool age at which the starvation bonus saturates.
	ageHorizon time.Duration
	now        time.Time
}

// New builds a scorer for a run evaluated at now.
func New(w Weights, maxLength int, now time.Time) *Scorer {
	return &Scorer{
		weights:          w,
		maxLength:        maxLength,
		freshnessHorizon: 30 * 24 * time.Hour,
		ageHorizon:       14 * 24 * time.Hour,
		now:              now,
	}
}

// Score fills in the candidate's score, value spread and trace. It returns an
// error only when the cycle references nodes or edges missing from the graph,
// which indicates a corrupted run snapshot.
func (s *Scorer) Score(c *contracts.CandidateCycle, g *graph.Graph) error {
	n := len(c.IntentIDs)
	if n < 2 {
		return contracts.Errf(contracts.CodeFatalInconsistency, "cycle of length %d cannot be scored", n)
	}

	spread, err := s.valueSpread(c, g)
	if err != nil {
		return err
	}
	valueTerm := 1 - math.Min(spread, 1)

	lengthTerm := 1 - float64(n-2)/float64(maxInt(s.maxLength-1, 1))
	lengthTerm = clamp01(lengthTerm)

	trustTerm := 1.0
	freshTerm := 1.0
	var oldest time.Duration
	for _, id := range c.IntentIDs {
		node, ok := g.Node(id)
		if !ok {
			return contracts.Errf(contracts.CodeFatalInconsistency, "cycle member %s missing from graph", id)
		}
		if node.Reliability < trustTerm {
			trustTerm = node.Reliability
		}
		if f := s.freshness(node); f < freshTerm {
			freshTerm = f
		}
		if age := s.now.Sub(node.CreatedAt); age > oldest {
			oldest = age
		}
	}
	ageTerm := clamp01(float64(oldest) / float64(s.ageHorizon))

	c.ValueSpread = spread
	c.Score = s.weights.Value*valueTerm +
		s.weights.Length*lengthTerm +
		s.weights.Trust*trustTerm +
		s.weights.Freshness*freshTerm +
		s.weights.Age*ageTerm
	c.Trace = s.trace(c, g, spread, trustTerm, oldest)
	return nil
}

// valueSpread is the max pairwise relative deviation between what each member
// receives and the midpoint of its value band.
func (s *Scorer) valueSpread(c *contracts.CandidateCycle, g *graph.Graph) (float64, error) {
	var spread float64
	n := len(c.IntentIDs)
	for i, id := range c.IntentIDs {
		next := c.IntentIDs[(i+1)%n]
		edge, ok := g.Edge(id, next)
		if !ok {
			return 0, contracts.Errf(contracts.CodeFatalInconsistency, "cycle edge %s->%s missing from graph", id, next)
		}
		node, _ := g.Node(id)
		mid := float64(node.ValueBand.MinValue+node.ValueBand.MaxValue) / 2
		if mid <= 0 {
			continue
		}
		dev := math.Abs(float64(edge.ImpliedValue)-mid) / mid
		if dev > spread {
			spread = dev
		}
	}
	return spread, nil
}

func (s *Scorer) freshness(n *contracts.SwapIntent) float64 {
	if n.VerifiedAt.IsZero() {
		return 0
	}
	age := s.now.Sub(n.VerifiedAt)
	return clamp01(1 - float64(age)/float64(s.freshnessHorizon))
}

func (s *Scorer) trace(c *contracts.CandidateCycle, g *graph.Graph, spread, trust float64, oldest time.Duration) []string {
	n := len(c.IntentIDs)
	out := make([]string, 0, n+3)
	for i, id := range c.IntentIDs {
		next := c.IntentIDs[(i+1)%n]
		if edge, ok := g.Edge(id, next); ok {
			out = append(out, fmt.Sprintf("%s receives %s from %s (value %d within band)",
				id, edge.MatchedTarget, next, edge.ImpliedValue))
		}
	}
	out = append(out,
		fmt.Sprintf("value spread %.3f across %d legs", spread, n),
		fmt.Sprintf("minimum participant reliability %.2f", trust),
		fmt.Sprintf("oldest intent waited %s", oldest.Truncate(time.Second)),
	)
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
