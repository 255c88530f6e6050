// Package events emits the engine's domain events as signed envelopes through
// a store-backed outbox: append is atomic with nothing, delivery is
// at-least-once and retried by the dispatcher until the sink accepts.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swapcycle/clearing/pkg/canonicalize"
	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/crypto"
	"github.com/swapcycle/clearing/pkg/store"
)

// Emitter wraps payloads into signed envelopes and appends them to the
// outbox.
type Emitter struct {
	store  *store.Store
	signer crypto.Signer
	logger *slog.Logger
	clock  func() time.Time
}

// NewEmitter builds an emitter. signer may be nil; envelopes are then
// unsigned.
func NewEmitter(s *store.Store, signer crypto.Signer, logger *slog.Logger) *Emitter {
	return &Emitter{store: s, signer: signer, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (e *Emitter) WithClock(clock func() time.Time) *Emitter {
	e.clock = clock
	return e
}

// Emit canonicalizes and signs the payload and appends the envelope to the
// outbox. Failures are EXTERNAL_FAILURE; the caller decides whether the
// surrounding operation aborts.
func (e *Emitter) Emit(ctx context.Context, eventType contracts.EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return contracts.Wrap(contracts.CodeExternalFailure, err, "marshal event payload")
	}
	canonical, err := canonicalize.JCS(json.RawMessage(raw))
	if err != nil {
		return contracts.Wrap(contracts.CodeExternalFailure, err, "canonicalize event payload")
	}
	env := &contracts.EventEnvelope{
		ID:          uuid.NewString(),
		Type:        eventType,
		OccurredAt:  e.clock().UTC(),
		Payload:     raw,
		PayloadHash: canonicalize.HashBytes(canonical),
	}
	if e.signer != nil {
		sig, err := e.signer.Sign([]byte(env.PayloadHash))
		if err != nil {
			return contracts.Wrap(contracts.CodeExternalFailure, err, "sign event envelope")
		}
		env.Signature = sig
		env.SignerKey = e.signer.KeyID()
	}
	if err := e.store.AppendOutbox(ctx, env); err != nil {
		return contracts.Wrap(contracts.CodeExternalFailure, err, "append event to outbox")
	}
	e.logger.Debug("event emitted", "type", eventType, "event_id", env.ID)
	return nil
}

// Sink receives envelopes from the dispatcher. Delivery downstream is assumed
// at-least-once; sinks must tolerate replays.
type Sink interface {
	Deliver(ctx context.Context, env *contracts.EventEnvelope) error
}

// LogSink writes envelopes to the structured log, the default sink when no
// webhook transport is wired.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Deliver(_ context.Context, env *contracts.EventEnvelope) error {
	s.Logger.Info("event delivered",
		"event_id", env.ID, "type", env.Type, "payload_hash", env.PayloadHash)
	return nil
}

// Dispatcher drains the outbox to a sink on an interval.
type Dispatcher struct {
	store    *store.Store
	sink     Sink
	logger   *slog.Logger
	interval time.Duration
	batch    int
	clock    func() time.Time
}

// NewDispatcher builds a dispatcher draining at most batch envelopes per
// tick.
func NewDispatcher(s *store.Store, sink Sink, logger *slog.Logger, interval time.Duration) *Dispatcher {
	return &Dispatcher{store: s, sink: sink, logger: logger, interval: interval, batch: 64, clock: time.Now}
}

// Run drains until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				d.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce delivers pending envelopes in order. A sink failure stops the
// batch; the remaining envelopes stay pending for the next tick.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	pending, err := d.store.PendingOutbox(ctx, d.batch)
	if err != nil {
		return fmt.Errorf("load pending outbox: %w", err)
	}
	for _, env := range pending {
		if err := d.sink.Deliver(ctx, env); err != nil {
			return fmt.Errorf("deliver event %s: %w", env.ID, err)
		}
		if err := d.store.MarkOutboxSent(ctx, env.ID, d.clock().UTC()); err != nil {
			return fmt.Errorf("mark event %s sent: %w", env.ID, err)
		}
	}
	return nil
}
