// Package cycles enumerates bounded-length elementary cycles over the
// compatibility graph. Enumeration is deterministic for a fixed snapshot:
// start nodes are visited in sorted order and each adjacency list is already
// sorted by the graph builder.
package cycles

import (
	"sort"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/graph"
)

// Options bound the search. MaxLength is the global cycle-length ceiling K;
// individual intents may demand a shorter cycle via their trust constraints.
// MaxPerStart caps candidates found from any one start node, trading
// completeness for throughput.
type Options struct {
	MaxLength   int
	MaxPerStart int
}

// Enumerate returns every elementary cycle of length 2..MaxLength, one entry
// per cycle, canonicalized to start at its lexicographically smallest intent
// id. Rotational duplicates never appear: the search only explores nodes
// strictly greater than the start, so each cycle is found exactly once from
// its smallest member.
func Enumerate(g *graph.Graph, opts Options) []contracts.CandidateCycle {
	if opts.MaxLength < 2 {
		return nil
	}

	starts := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		starts = append(starts, id)
	}
	sort.Strings(starts)

	var out []contracts.CandidateCycle
	for _, start := range starts {
		e := &walker{
			g:       g,
			start:   start,
			opts:    opts,
			onPath:  map[string]bool{start: true},
			blocked: make(map[string]bool),
		}
		e.path = append(e.path, start)
		e.extend(start)
		out = append(out, e.found...)
	}
	return out
}

// walker holds one start node's depth-first state. Nodes proven unable to
// reach the start within the remaining budget are blocked for the rest of
// this start's search (Johnson-style pruning).
type walker struct {
	g       *graph.Graph
	start   string
	opts    Options
	path    []string
	onPath  map[string]bool
	blocked map[string]bool
	found   []contracts.CandidateCycle
}

func (w *walker) capped() bool {
	return w.opts.MaxPerStart > 0 && len(w.found) >= w.opts.MaxPerStart
}

// extend grows the current path from node, recording a cycle whenever an edge
// closes back to the start. It returns whether any extension reached the
// start, and whether part of the subtree was cut short. A node is blocked for
// the rest of this start's search only when it failed outright; a node cut
// short by the length ceiling or an occupied neighbor may still close a cycle
// on a different path.
func (w *walker) extend(node string) (reached, pruned bool) {
	for _, next := range w.g.Adj[node] {
		if w.capped() {
			pruned = true
			break
		}
		if next == w.start {
			if len(w.path) >= 2 && w.admissible() {
				w.record()
			}
			reached = true
			continue
		}
		// Restricting to ids above the start canonicalizes rotations.
		if next < w.start || w.blocked[next] {
			continue
		}
		// An occupied neighbor is a path-dependent dead end, not proof this
		// node cannot reach the start; it must stay unblocked.
		if w.onPath[next] {
			pruned = true
			continue
		}
		if len(w.path) >= w.maxAllowed() {
			pruned = true
			continue
		}
		w.path = append(w.path, next)
		w.onPath[next] = true
		subReached, subPruned := w.extend(next)
		reached = reached || subReached
		pruned = pruned || subPruned
		delete(w.onPath, next)
		w.path = w.path[:len(w.path)-1]
	}
	if !reached && !pruned {
		w.blocked[node] = true
	}
	return reached, pruned
}

// maxAllowed is the path-length ceiling considering every member's own
// max-cycle-length constraint.
func (w *walker) maxAllowed() int {
	max := w.opts.MaxLength
	for _, id := range w.path {
		if n, ok := w.g.Node(id); ok {
			if n.Trust.MaxCycleLength > 0 && n.Trust.MaxCycleLength < max {
				max = n.Trust.MaxCycleLength
			}
		}
	}
	return max
}

// admissible re-checks the closed cycle against each member's length cap. The
// path ceiling already enforces this for members seen mid-path; the final
// member joined after the ceiling was computed.
func (w *walker) admissible() bool {
	n := len(w.path)
	for _, id := range w.path {
		node, ok := w.g.Node(id)
		if !ok {
			return false
		}
		if node.Trust.MaxCycleLength > 0 && n > node.Trust.MaxCycleLength {
			return false
		}
	}
	return true
}

func (w *walker) record() {
	ids := make([]string, len(w.path))
	copy(ids, w.path)
	w.found = append(w.found, contracts.CandidateCycle{IntentIDs: ids})
}
