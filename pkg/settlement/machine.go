package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/crypto"
	"github.com/swapcycle/clearing/pkg/events"
	"github.com/swapcycle/clearing/pkg/store"
)

// TransferPort is the external custodian that moves escrowed assets. Both
// calls must be idempotent on opID downstream; the machine additionally
// guards each leg with a recorded operation id so it never issues a second
// release or refund for the same leg.
type TransferPort interface {
	Release(ctx context.Context, leg contracts.SwapLeg, opID string) error
	Refund(ctx context.Context, leg contracts.SwapLeg, opID string) error
}

// LogTransferPort records transfers to the structured log; the default port
// when no custodian integration is wired.
type LogTransferPort struct {
	Logger *slog.Logger
}

func (p *LogTransferPort) Release(_ context.Context, leg contracts.SwapLeg, opID string) error {
	p.Logger.Info("leg released", "leg_id", leg.ID, "to_actor", leg.ToActorID, "op_id", opID)
	return nil
}

func (p *LogTransferPort) Refund(_ context.Context, leg contracts.SwapLeg, opID string) error {
	p.Logger.Info("leg refunded", "leg_id", leg.ID, "from_actor", leg.FromActorID, "op_id", opID)
	return nil
}

// Machine executes settlement transitions against the store.
type Machine struct {
	store     *store.Store
	signer    crypto.Signer
	emitter   *events.Emitter
	transfers TransferPort
	logger    *slog.Logger
	clock     func() time.Time
}

// NewMachine wires the settlement state machine.
func NewMachine(s *store.Store, signer crypto.Signer, em *events.Emitter, transfers TransferPort, logger *slog.Logger) *Machine {
	return &Machine{store: s, signer: signer, emitter: em, transfers: transfers, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// DepositResult is the recorded outcome of a deposit confirmation, returned
// identically on replay.
type DepositResult struct {
	CycleID   string                  `json:"cycle_id"`
	LegID     string                  `json:"leg_id"`
	LegStatus contracts.LegStatus     `json:"leg_status"`
	State     contracts.TimelineState `json:"state"`
}

// ConfirmDeposit records a verified deposit for one leg. Idempotent on
// (cycleID, "deposit", opID): replays return the stored result. When the last
// leg deposits, the timeline moves escrow.pending -> escrow.ready.
func (m *Machine) ConfirmDeposit(ctx context.Context, cycleID, legID, proofID, opID string) (*DepositResult, error) {
	idemKey := fmt.Sprintf("%s:deposit:%s", cycleID, opID)
	if prior, err := m.priorResult(ctx, idemKey); err != nil {
		return nil, err
	} else if prior != nil {
		var res DepositResult
		if err := json.Unmarshal(prior, &res); err != nil {
			return nil, fmt.Errorf("corrupt idempotency result: %w", err)
		}
		return &res, nil
	}

	t, err := m.store.GetTimeline(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if t.State != contracts.TimelineEscrowWait {
		return nil, contracts.Errf(contracts.CodeConflict,
			"cycle %s is not accepting deposits in state %s", cycleID, t.State)
	}
	leg, ok := t.Leg(legID)
	if !ok {
		return nil, contracts.Errf(contracts.CodeNotFound, "cycle %s has no leg %s", cycleID, legID)
	}
	now := m.clock().UTC()
	if leg.Status == contracts.LegPending {
		if now.After(leg.DepositDeadlineAt) {
			return nil, contracts.Errf(contracts.CodeExpired,
				"deposit window for leg %s closed at %s", legID, leg.DepositDeadlineAt.Format(time.RFC3339))
		}
		leg.Status = contracts.LegDeposited
		leg.DepositProofID = proofID
		leg.DepositedAt = now
	}

	if t.AllLegs(contracts.LegDeposited) {
		next, err := Next(t.State, EventAllDeposited)
		if err != nil {
			return nil, err
		}
		t.State = next
	}
	t.UpdatedAt = now
	if err := m.store.UpdateTimeline(ctx, t, t.Version); err != nil {
		return nil, err
	}

	res := &DepositResult{CycleID: cycleID, LegID: legID, LegStatus: leg.Status, State: t.State}
	if err := m.recordResult(ctx, idemKey, "settlement.deposit", res); err != nil {
		return nil, err
	}

	if err := m.emitter.Emit(ctx, contracts.EventDepositConfirmed, map[string]any{
		"cycle_id": cycleID, "leg_id": legID, "proof_id": proofID,
	}); err != nil {
		return nil, err
	}
	if t.State == contracts.TimelineEscrowReady {
		if err := m.emitState(ctx, t); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// BeginExecution releases every leg as an all-or-nothing batch. Requires
// escrow.ready: no leg releases before every leg is deposited. If an outbound
// release fails mid-batch, further releases halt and the timeline parks in
// executing for operator recovery via Resume; it is never silently failed,
// which protects against double-refund plus double-release. Idempotent on
// (cycleID, "execute", opID): a replay after completion returns the stored
// timeline.
func (m *Machine) BeginExecution(ctx context.Context, cycleID, opID string) (*contracts.SettlementTimeline, error) {
	idemKey := fmt.Sprintf("%s:execute:%s", cycleID, opID)
	if prior, err := m.priorTimeline(ctx, idemKey); err != nil || prior != nil {
		return prior, err
	}

	t, err := m.store.GetTimeline(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	// A timeline already in executing is a retry of a parked batch.
	if t.State != contracts.TimelineExecuting {
		next, err := Next(t.State, EventBeginExecution)
		if err != nil {
			return nil, err
		}
		t.State = next
		t.UpdatedAt = m.clock().UTC()
		if err := m.store.UpdateTimeline(ctx, t, t.Version); err != nil {
			return nil, err
		}
		if err := m.emitter.Emit(ctx, contracts.EventSettlementExecuting, map[string]any{
			"cycle_id": cycleID,
		}); err != nil {
			return nil, err
		}
	}
	out, err := m.resume(ctx, t, opID)
	if err != nil {
		return nil, err
	}
	if err := m.recordResult(ctx, idemKey, "settlement.execute", out); err != nil {
		return nil, err
	}
	return out, nil
}

// Resume retries the release batch of a timeline parked in executing. Only
// legs without a recorded release operation are attempted. Shares the
// "execute" idempotency key family with BeginExecution: a completed batch
// replays under either entry point.
func (m *Machine) Resume(ctx context.Context, cycleID, opID string) (*contracts.SettlementTimeline, error) {
	idemKey := fmt.Sprintf("%s:execute:%s", cycleID, opID)
	if prior, err := m.priorTimeline(ctx, idemKey); err != nil || prior != nil {
		return prior, err
	}

	t, err := m.store.GetTimeline(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if t.State != contracts.TimelineExecuting {
		return nil, contracts.Errf(contracts.CodeConflict,
			"cycle %s is not parked in executing (state %s)", cycleID, t.State)
	}
	out, err := m.resume(ctx, t, opID)
	if err != nil {
		return nil, err
	}
	if err := m.recordResult(ctx, idemKey, "settlement.execute", out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Machine) resume(ctx context.Context, t *contracts.SettlementTimeline, opID string) (*contracts.SettlementTimeline, error) {
	for i := range t.Legs {
		leg := &t.Legs[i]
		if leg.ReleaseOpID != "" {
			continue
		}
		legOp := fmt.Sprintf("%s:%s", opID, leg.ID)
		if err := m.transfers.Release(ctx, *leg, legOp); err != nil {
			// Park: keep partial progress durable, halt further releases.
			t.UpdatedAt = m.clock().UTC()
			if uerr := m.store.UpdateTimeline(ctx, t, t.Version); uerr != nil {
				return nil, uerr
			}
			m.logger.Error("release batch parked for operator recovery",
				"cycle_id", t.CycleID, "leg_id", leg.ID, "error", err)
			return nil, contracts.Wrap(contracts.CodeExternalFailure, err,
				fmt.Sprintf("release of leg %s failed; cycle parked in executing", leg.ID))
		}
		leg.Status = contracts.LegReleased
		leg.ReleaseOpID = legOp
		t.UpdatedAt = m.clock().UTC()
		if err := m.store.UpdateTimeline(ctx, t, t.Version); err != nil {
			return nil, err
		}
	}

	next, err := Next(t.State, EventComplete)
	if err != nil {
		return nil, err
	}
	t.State = next
	t.UpdatedAt = m.clock().UTC()
	if err := m.store.UpdateTimeline(ctx, t, t.Version); err != nil {
		return nil, err
	}
	if err := m.finalizeIntents(ctx, t, contracts.IntentCompleted); err != nil {
		return nil, err
	}
	if err := m.writeReceipt(ctx, t, ""); err != nil {
		return nil, err
	}
	return t, m.emitState(ctx, t)
}

// SweepDeadlines fails every escrow.pending timeline holding a pending leg
// past its deposit deadline: deposited legs are refunded, the timeline moves
// to failed and a failed receipt with reason counterparty_timeout is written.
func (m *Machine) SweepDeadlines(ctx context.Context) (int, error) {
	now := m.clock().UTC()
	waiting, err := m.store.ListTimelinesByState(ctx, contracts.TimelineEscrowWait)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, t := range waiting {
		if !deadlinePassed(t, now) {
			continue
		}
		if err := m.failTimeline(ctx, t, contracts.ReasonCounterpartyTimeout); err != nil {
			m.logger.Error("timeout unwind failed", "cycle_id", t.CycleID, "error", err)
			continue
		}
		failed++
	}
	return failed, nil
}

// Fail force-fails a non-terminal timeline with the given reason, refunding
// deposited, unreleased legs. Used by operator recovery for cycles parked in
// executing. Idempotent on (cycleID, "fail", opID).
func (m *Machine) Fail(ctx context.Context, cycleID string, reason contracts.FailureReason, opID string) (*contracts.SettlementTimeline, error) {
	idemKey := fmt.Sprintf("%s:fail:%s", cycleID, opID)
	if prior, err := m.priorTimeline(ctx, idemKey); err != nil || prior != nil {
		return prior, err
	}

	t, err := m.store.GetTimeline(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if err := m.failTimeline(ctx, t, reason); err != nil {
		return nil, err
	}
	if err := m.recordResult(ctx, idemKey, "settlement.fail", t); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Machine) failTimeline(ctx context.Context, t *contracts.SettlementTimeline, reason contracts.FailureReason) error {
	next, err := Next(t.State, EventFail)
	if err != nil {
		return err
	}
	now := m.clock().UTC()
	for i := range t.Legs {
		leg := &t.Legs[i]
		if leg.Status != contracts.LegDeposited || leg.RefundOpID != "" {
			continue
		}
		refundOp := fmt.Sprintf("%s:refund:%s", t.CycleID, leg.ID)
		if err := m.transfers.Refund(ctx, *leg, refundOp); err != nil {
			return contracts.Wrap(contracts.CodeExternalFailure, err,
				fmt.Sprintf("refund of leg %s failed", leg.ID))
		}
		leg.Status = contracts.LegRefunded
		leg.RefundOpID = refundOp
	}
	t.State = next
	t.FailureReason = reason
	t.UpdatedAt = now
	if err := m.store.UpdateTimeline(ctx, t, t.Version); err != nil {
		return err
	}
	if err := m.finalizeIntents(ctx, t, contracts.IntentActive); err != nil {
		return err
	}
	if err := m.writeReceipt(ctx, t, reason); err != nil {
		return err
	}
	if err := m.emitter.Emit(ctx, contracts.EventCycleFailed, map[string]any{
		"cycle_id": t.CycleID,
		"reason":   reason,
		"unwind":   unwindDescription(t),
	}); err != nil {
		return err
	}
	return m.emitState(ctx, t)
}

// finalizeIntents moves the cycle's intents out of in_settlement: completed
// on success, back to active on failure so they can re-enter matching.
func (m *Machine) finalizeIntents(ctx context.Context, t *contracts.SettlementTimeline, to contracts.IntentStatus) error {
	now := m.clock().UTC()
	for _, leg := range t.Legs {
		err := m.store.TransitionIntent(ctx, leg.FromIntentID, contracts.IntentInSettlement, to, now)
		if err != nil && !contracts.IsCode(err, contracts.CodeConflict) {
			return err
		}
	}
	return nil
}

// writeReceipt produces the immutable terminal receipt exactly once per
// cycle; the conditional insert makes concurrent finalizers converge on the
// first writer's receipt.
func (m *Machine) writeReceipt(ctx context.Context, t *contracts.SettlementTimeline, reason contracts.FailureReason) error {
	intentIDs := make([]string, 0, len(t.Legs))
	assetIDs := make([]string, 0, len(t.Legs))
	for _, leg := range t.Legs {
		intentIDs = append(intentIDs, leg.FromIntentID)
		for _, a := range leg.Assets {
			assetIDs = append(assetIDs, a.ID)
		}
	}
	var fees map[string]int64
	if p, err := m.store.GetProposal(ctx, t.CycleID); err == nil {
		fees = p.FeeBreakdown
	}

	r := &contracts.SwapReceipt{
		ReceiptID:  uuid.NewString(),
		CycleID:    t.CycleID,
		IntentIDs:  intentIDs,
		AssetIDs:   assetIDs,
		Fees:       fees,
		FinalState: t.State,
		Reason:     reason,
		CreatedAt:  m.clock().UTC(),
	}
	if m.signer != nil {
		if err := m.signer.SignReceipt(r); err != nil {
			return contracts.Wrap(contracts.CodeExternalFailure, err, "sign receipt")
		}
	}
	stored, created, err := m.store.PutReceiptIfAbsent(ctx, r)
	if err != nil {
		return err
	}
	if !created {
		m.logger.Debug("receipt already written", "cycle_id", t.CycleID, "receipt_id", stored.ReceiptID)
		return nil
	}
	return m.emitter.Emit(ctx, contracts.EventReceiptCreated, map[string]any{
		"receipt_id":  stored.ReceiptID,
		"cycle_id":    stored.CycleID,
		"final_state": stored.FinalState,
	})
}

func (m *Machine) emitState(ctx context.Context, t *contracts.SettlementTimeline) error {
	return m.emitter.Emit(ctx, contracts.EventCycleStateChanged, map[string]any{
		"cycle_id": t.CycleID,
		"state":    t.State,
	})
}

// priorTimeline replays a recorded timeline outcome, nil when the key is new.
func (m *Machine) priorTimeline(ctx context.Context, key string) (*contracts.SettlementTimeline, error) {
	prior, err := m.priorResult(ctx, key)
	if err != nil || prior == nil {
		return nil, err
	}
	var t contracts.SettlementTimeline
	if err := json.Unmarshal(prior, &t); err != nil {
		return nil, fmt.Errorf("corrupt idempotency result: %w", err)
	}
	return &t, nil
}

func (m *Machine) priorResult(ctx context.Context, key string) (json.RawMessage, error) {
	rec, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Result, nil
}

func (m *Machine) recordResult(ctx context.Context, key, operation string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal operation result: %w", err)
	}
	_, _, err = m.store.PutIfAbsent(ctx, &store.IdempotencyRecord{
		Key:       key,
		Operation: operation,
		Result:    raw,
		CreatedAt: m.clock().UTC(),
	})
	return err
}

func deadlinePassed(t *contracts.SettlementTimeline, now time.Time) bool {
	for _, leg := range t.Legs {
		if leg.Status == contracts.LegPending && now.After(leg.DepositDeadlineAt) {
			return true
		}
	}
	return false
}

// unwindDescription spells out what was refunded to whom, for the
// user-visible failure payload.
func unwindDescription(t *contracts.SettlementTimeline) []string {
	var out []string
	for _, leg := range t.Legs {
		switch leg.Status {
		case contracts.LegRefunded:
			out = append(out, fmt.Sprintf("leg %s: deposit refunded to %s", leg.ID, leg.FromActorID))
		case contracts.LegPending:
			out = append(out, fmt.Sprintf("leg %s: no deposit received from %s", leg.ID, leg.FromActorID))
		case contracts.LegReleased:
			out = append(out, fmt.Sprintf("leg %s: already released to %s", leg.ID, leg.ToActorID))
		}
	}
	return out
}
