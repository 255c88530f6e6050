// Package engine orchestrates the matching pipeline: snapshot the active
// intent pool, build the compatibility graph, enumerate and score candidate
// cycles, select a disjoint set and promote the winners to reserved
// proposals. One run is a pure function of the snapshot except for the final
// reservation writes, so concurrent runs stay safe: the store arbitrates.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/cycles"
	"github.com/swapcycle/clearing/pkg/events"
	"github.com/swapcycle/clearing/pkg/graph"
	"github.com/swapcycle/clearing/pkg/reservation"
	"github.com/swapcycle/clearing/pkg/score"
	"github.com/swapcycle/clearing/pkg/selector"
	"github.com/swapcycle/clearing/pkg/settlement"
	"github.com/swapcycle/clearing/pkg/store"
)

// Options tune one engine instance. TierMaxLength bounds cycle length per
// trust tier; MaxLength is the global ceiling across tiers.
type Options struct {
	MaxLength      int
	TierMaxLength  map[contracts.TrustTier]int
	MaxPerStart    int
	MaxProposals   int
	Weights        score.Weights
	ReservationTTL time.Duration
	MatchInterval  time.Duration
	SweepInterval  time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxLength: 4,
		TierMaxLength: map[contracts.TrustTier]int{
			contracts.TierStrict:   3,
			contracts.TierStandard: 4,
			contracts.TierOpen:     5,
		},
		MaxPerStart:    64,
		MaxProposals:   16,
		Weights:        score.DefaultWeights(),
		ReservationTTL: 24 * time.Hour,
		MatchInterval:  60 * time.Second,
		SweepInterval:  30 * time.Second,
	}
}

// Report summarizes one matching run.
type Report struct {
	Intents    int
	Candidates int
	Proposed   int
	Rejects    map[selector.RejectReason]int
}

// Engine drives matching runs and the background sweeps.
type Engine struct {
	store        *store.Store
	reservations *reservation.Manager
	machine      *settlement.Machine
	emitter      *events.Emitter
	logger       *slog.Logger
	opts         Options
	clock        func() time.Time

	runs        metric.Int64Counter
	proposed    metric.Int64Counter
	rejected    metric.Int64Counter
	runDuration metric.Float64Histogram
}

// New wires an engine. machine may be nil when settlement sweeps run
// elsewhere.
func New(s *store.Store, res *reservation.Manager, machine *settlement.Machine, em *events.Emitter, logger *slog.Logger, opts Options) *Engine {
	meter := otel.Meter("clearing/engine")
	runs, _ := meter.Int64Counter("matching_runs_total")
	proposed, _ := meter.Int64Counter("proposals_created_total")
	rejected, _ := meter.Int64Counter("candidates_rejected_total")
	duration, _ := meter.Float64Histogram("matching_run_seconds")
	return &Engine{
		store:        s,
		reservations: res,
		machine:      machine,
		emitter:      em,
		logger:       logger,
		opts:         opts,
		clock:        time.Now,
		runs:         runs,
		proposed:     proposed,
		rejected:     rejected,
		runDuration:  duration,
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// RunOnce executes one full matching pass over the current active pool.
func (e *Engine) RunOnce(ctx context.Context) (*Report, error) {
	started := e.clock()
	now := started.UTC()
	e.runs.Add(ctx, 1)

	snapshot, err := e.store.ListIntentsByStatus(ctx, contracts.IntentActive)
	if err != nil {
		return nil, err
	}
	e.applyTierBounds(snapshot)

	g := graph.Build(snapshot, now)
	candidates := cycles.Enumerate(g, cycles.Options{
		MaxLength:   e.opts.MaxLength,
		MaxPerStart: e.opts.MaxPerStart,
	})

	scorer := score.New(e.opts.Weights, e.opts.MaxLength, now)
	scored := candidates[:0]
	for i := range candidates {
		if err := scorer.Score(&candidates[i], g); err != nil {
			// A scoring inconsistency poisons one candidate, not the run.
			e.logger.Error("candidate dropped", "cycle", candidates[i].IntentIDs, "error", err)
			continue
		}
		scored = append(scored, candidates[i])
	}

	sel := selector.Select(scored, selector.Options{
		MaxProposals: e.opts.MaxProposals,
		IsReserved:   func(id string) bool { return e.reservations.IsReserved(ctx, id) },
	})
	for reason, n := range sel.Rejects {
		e.rejected.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", string(reason))))
	}

	report := &Report{Intents: len(snapshot), Candidates: len(scored), Rejects: sel.Rejects}
	for _, c := range sel.Selected {
		if err := e.propose(ctx, g, c, now); err != nil {
			if contracts.IsCode(err, contracts.CodeConflict) {
				// Another run claimed a member between select and reserve.
				report.Rejects[selector.RejectReserved]++
				continue
			}
			return report, err
		}
		report.Proposed++
	}
	e.proposed.Add(ctx, int64(report.Proposed))
	e.runDuration.Record(ctx, time.Since(started).Seconds())

	e.logger.Info("matching run finished",
		"intents", report.Intents,
		"candidates", report.Candidates,
		"proposed", report.Proposed)
	return report, nil
}

// propose reserves the cycle and persists its proposal. Reservation comes
// first: a cycle that cannot be fully claimed never becomes a proposal.
func (e *Engine) propose(ctx context.Context, g *graph.Graph, c contracts.CandidateCycle, now time.Time) error {
	proposalID := uuid.NewString()
	if err := e.reservations.TryReserve(ctx, c.IntentIDs, proposalID); err != nil {
		return err
	}

	p := &contracts.CycleProposal{
		ID:              proposalID,
		Participants:    participants(g, c),
		ConfidenceScore: c.Score,
		ValueSpread:     c.ValueSpread,
		ScoreTrace:      c.Trace,
		Status:          contracts.ProposalProposed,
		ExpiresAt:       now.Add(e.opts.ReservationTTL),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateProposal(ctx, p); err != nil {
		return err
	}
	return e.emitter.Emit(ctx, contracts.EventProposalCreated, map[string]any{
		"proposal_id": p.ID,
		"intent_ids":  c.IntentIDs,
		"score":       c.Score,
		"expires_at":  p.ExpiresAt.Format(time.RFC3339Nano),
	})
}

// participants maps cycle order to give/get positions. An edge A->B means A
// receives from B, so each member gives to its predecessor in cycle order.
func participants(g *graph.Graph, c contracts.CandidateCycle) []contracts.ProposalParticipant {
	n := len(c.IntentIDs)
	out := make([]contracts.ProposalParticipant, n)
	for i, id := range c.IntentIDs {
		node, _ := g.Node(id)
		successor, _ := g.Node(c.IntentIDs[(i+1)%n])
		predecessorID := c.IntentIDs[(i+n-1)%n]
		out[i] = contracts.ProposalParticipant{
			IntentID:        id,
			ActorID:         node.ActorID,
			Give:            node.Offer,
			Get:             successor.Offer,
			GivesToIntentID: predecessorID,
		}
	}
	return out
}

// applyTierBounds folds each intent's tier ceiling into its declared cycle
// length constraint before enumeration.
func (e *Engine) applyTierBounds(snapshot []*contracts.SwapIntent) {
	for _, in := range snapshot {
		limit, ok := e.opts.TierMaxLength[in.Tier]
		if !ok {
			continue
		}
		if in.Trust.MaxCycleLength == 0 || in.Trust.MaxCycleLength > limit {
			in.Trust.MaxCycleLength = limit
		}
	}
}

// Loop runs matching and expiry sweeps on their intervals until ctx ends.
func (e *Engine) Loop(ctx context.Context) error {
	match := time.NewTicker(e.opts.MatchInterval)
	defer match.Stop()
	sweep := time.NewTicker(e.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-match.C:
			if _, err := e.RunOnce(ctx); err != nil {
				e.logger.Error("matching run failed", "error", err)
			}
		case <-sweep.C:
			if _, err := e.reservations.SweepExpired(ctx); err != nil {
				e.logger.Error("reservation sweep failed", "error", err)
			}
			if e.machine != nil {
				if _, err := e.machine.SweepDeadlines(ctx); err != nil {
					e.logger.Error("settlement sweep failed", "error", err)
				}
			}
		}
	}
}
