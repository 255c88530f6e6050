// Package graph builds the run-scoped compatibility graph from a snapshot of
// active intents. Building is a pure function of the snapshot; edges are never
// persisted.
package graph

import (
	"sort"
	"time"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/normalize"
)

// Graph is the in-memory adjacency structure for one matching run. Adjacency
// lists are sorted by intent id so traversal order is deterministic.
type Graph struct {
	Nodes map[string]*contracts.SwapIntent
	Adj   map[string][]string
	Edges map[[2]string]contracts.CompatibilityEdge
}

// Edge returns the edge from→to, if present.
func (g *Graph) Edge(from, to string) (contracts.CompatibilityEdge, bool) {
	e, ok := g.Edges[[2]string{from, to}]
	return e, ok
}

// Node returns the intent for id, if present.
func (g *Graph) Node(id string) (*contracts.SwapIntent, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Build converts a snapshot of intents into the compatibility graph. An edge
// A→B exists iff B's offer satisfies A's want spec, the implied value falls
// inside A's value band, B's reliability meets A's floor, and both intents are
// matchable at now. Non-active intents in the snapshot are skipped.
func Build(snapshot []*contracts.SwapIntent, now time.Time) *Graph {
	g := &Graph{
		Nodes: make(map[string]*contracts.SwapIntent),
		Adj:   make(map[string][]string),
		Edges: make(map[[2]string]contracts.CompatibilityEdge),
	}

	ids := make([]string, 0, len(snapshot))
	for _, in := range snapshot {
		if !in.Matchable(now) {
			continue
		}
		g.Nodes[in.ID] = in
		ids = append(ids, in.ID)
	}
	sort.Strings(ids)

	for _, from := range ids {
		a := g.Nodes[from]
		for _, to := range ids {
			if from == to {
				continue
			}
			b := g.Nodes[to]
			edge, ok := compatible(a, b)
			if !ok {
				continue
			}
			g.Adj[from] = append(g.Adj[from], to)
			g.Edges[[2]string{from, to}] = edge
		}
	}
	return g
}

// compatible checks A→B: does B's offer satisfy A within A's constraints.
func compatible(a, b *contracts.SwapIntent) (contracts.CompatibilityEdge, bool) {
	match, ok := normalize.Satisfies(a.Want, b.Offer)
	if !ok {
		return contracts.CompatibilityEdge{}, false
	}
	implied := b.OfferValue()
	if implied < a.ValueBand.MinValue || implied > a.ValueBand.MaxValue {
		return contracts.CompatibilityEdge{}, false
	}
	if b.Reliability < a.Trust.MinCounterpartyReliability {
		return contracts.CompatibilityEdge{}, false
	}
	return contracts.CompatibilityEdge{
		FromIntentID:  a.ID,
		ToIntentID:    b.ID,
		MatchedTarget: match.Target,
		ImpliedValue:  implied,
	}, true
}
