package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/swapcycle/clearing/pkg/authz"
	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/handshake"
	"github.com/swapcycle/clearing/pkg/normalize"
	"github.com/swapcycle/clearing/pkg/settlement"
	"github.com/swapcycle/clearing/pkg/store"
)

const maxBodyBytes = 1 << 20

// Server exposes the client operations over HTTP.
type Server struct {
	store     *store.Store
	handshake *handshake.Service
	machine   *settlement.Machine
	gate      *authz.Gate
	logger    *slog.Logger
	clock     func() time.Time
}

// NewServer wires the HTTP surface.
func NewServer(s *store.Store, hs *handshake.Service, m *settlement.Machine, gate *authz.Gate, logger *slog.Logger) *Server {
	return &Server{
		store:     s,
		handshake: hs,
		machine:   m,
		gate:      gate,
		logger:    logger.With("component", "api"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Routes returns the route table without middleware.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/intents", s.handleSubmitIntent)
	mux.HandleFunc("GET /v1/intents/{id}", s.handleGetIntent)
	mux.HandleFunc("POST /v1/intents/{id}/cancel", s.handleCancelIntent)
	mux.HandleFunc("GET /v1/proposals", s.handleListProposals)
	mux.HandleFunc("GET /v1/proposals/{id}", s.handleGetProposal)
	mux.HandleFunc("POST /v1/proposals/{id}/accept", s.handleDecision(contracts.DecisionAccept))
	mux.HandleFunc("POST /v1/proposals/{id}/decline", s.handleDecision(contracts.DecisionDecline))
	mux.HandleFunc("GET /v1/settlements", s.handleListSettlements)
	mux.HandleFunc("GET /v1/settlements/{id}", s.handleGetSettlement)
	mux.HandleFunc("GET /v1/settlements/{id}/receipt", s.handleGetReceipt)
	mux.HandleFunc("POST /v1/settlements/{id}/deposit", s.handleConfirmDeposit)
	mux.HandleFunc("POST /v1/settlements/{id}/execute", s.handleBeginExecution)
	mux.HandleFunc("POST /v1/settlements/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/settlements/{id}/fail", s.handleFail)
	return mux
}

// Handler composes the route table with authentication, rate limiting and
// idempotent replay.
func (s *Server) Handler(validator *JWTValidator, limiter *ActorRateLimiter, records store.IdempotencyStore) http.Handler {
	var h http.Handler = s.Routes()
	h = IdempotencyMiddleware(records)(h)
	h = limiter.Middleware(h)
	h = AuthMiddleware(validator)(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "unable to read request body")
		return
	}
	if err := validateIntentBody(raw); err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}

	var in contracts.SwapIntent
	if err := json.Unmarshal(raw, &in); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	now := s.clock().UTC()
	in.ID = uuid.NewString()
	in.ActorID = actor.ID
	in.Status = contracts.IntentActive
	in.CreatedAt = now
	in.UpdatedAt = now
	in.Version = 0
	if in.Tier == "" {
		in.Tier = contracts.TierStandard
	}

	if err := normalize.Intent(&in); err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	if err := s.store.PutIntent(r.Context(), &in, 0); err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, &in)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	_, in, ok := s.loadOwnedIntent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	actor, in, ok := s.loadOwnedIntent(w, r)
	if !ok {
		return
	}
	if err := s.gate.Authorize(r.Context(), actor, "intent.cancel",
		map[string]any{"actor_id": in.ActorID}); err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	// Only unclaimed intents cancel; reserved or settling members must
	// decline or finish settlement instead.
	err := s.store.TransitionIntent(r.Context(), in.ID, contracts.IntentActive, contracts.IntentCancelled, s.clock().UTC())
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	in.Status = contracts.IntentCancelled
	writeJSON(w, http.StatusOK, in)
}

// loadOwnedIntent fetches the path intent and enforces ownership; operators
// may read any intent.
func (s *Server) loadOwnedIntent(w http.ResponseWriter, r *http.Request) (authz.Actor, *contracts.SwapIntent, bool) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return authz.Actor{}, nil, false
	}
	in, err := s.store.GetIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return actor, nil, false
	}
	if in.ActorID != actor.ID && !hasRole(actor, "operator") {
		WriteDomainError(w, s.logger,
			contracts.Errf(contracts.CodeForbidden, "intent %s belongs to another actor", in.ID))
		return actor, nil, false
	}
	return actor, in, true
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	proposals, err := s.store.ListProposalsForActor(r.Context(), actor.ID)
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	_, p, ok := s.loadMemberProposal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type decisionRequest struct {
	IntentID string `json:"intent_id"`
}

func (s *Server) handleDecision(decision contracts.Decision) http.HandlerFunc {
	action := "proposal.accept"
	if decision == contracts.DecisionDecline {
		action = "proposal.decline"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		actor, p, ok := s.loadMemberProposal(w, r)
		if !ok {
			return
		}
		var req decisionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.IntentID == "" {
			WriteBadRequest(w, "body requires intent_id")
			return
		}
		member, ok := p.Participant(req.IntentID)
		if !ok {
			WriteDomainError(w, s.logger,
				contracts.Errf(contracts.CodeNotFound, "intent %s is not part of proposal %s", req.IntentID, p.ID))
			return
		}
		if err := s.gate.Authorize(r.Context(), actor, action,
			map[string]any{"actor_id": member.ActorID}); err != nil {
			WriteDomainError(w, s.logger, err)
			return
		}

		var out *handshake.Outcome
		var err error
		if decision == contracts.DecisionAccept {
			out, err = s.handshake.Accept(r.Context(), p.ID, req.IntentID, actor.ID)
		} else {
			out, err = s.handshake.Decline(r.Context(), p.ID, req.IntentID, actor.ID)
		}
		if err != nil {
			WriteDomainError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// loadMemberProposal fetches the path proposal and enforces membership;
// operators may read any proposal.
func (s *Server) loadMemberProposal(w http.ResponseWriter, r *http.Request) (authz.Actor, *contracts.CycleProposal, bool) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return authz.Actor{}, nil, false
	}
	p, err := s.store.GetProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return actor, nil, false
	}
	if !memberActor(p, actor.ID) && !hasRole(actor, "operator") {
		WriteDomainError(w, s.logger,
			contracts.Errf(contracts.CodeForbidden, "actor %s is not part of proposal %s", actor.ID, p.ID))
		return actor, nil, false
	}
	return actor, p, true
}

type depositRequest struct {
	LegID   string `json:"leg_id"`
	ProofID string `json:"proof_id"`
}

func (s *Server) handleConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	actor, t, ok := s.loadMemberTimeline(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.LegID == "" {
		WriteBadRequest(w, "body requires leg_id")
		return
	}
	leg, ok := t.Leg(req.LegID)
	if !ok {
		WriteDomainError(w, s.logger,
			contracts.Errf(contracts.CodeNotFound, "cycle %s has no leg %s", t.CycleID, req.LegID))
		return
	}
	if err := s.gate.Authorize(r.Context(), actor, "settlement.deposit",
		map[string]any{"actor_id": leg.FromActorID}); err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	res, err := s.machine.ConfirmDeposit(r.Context(), t.CycleID, req.LegID, req.ProofID, s.operationID(r))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBeginExecution(w http.ResponseWriter, r *http.Request) {
	actor, t, ok := s.loadMemberTimeline(w, r)
	if !ok {
		return
	}
	if err := s.gate.Authorize(r.Context(), actor, "settlement.execute",
		map[string]any{"participant_ids": participantActors(t)}); err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	out, err := s.machine.BeginExecution(r.Context(), t.CycleID, s.operationID(r))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	actor, t, ok := s.loadMemberTimeline(w, r)
	if !ok {
		return
	}
	if err := s.gate.Authorize(r.Context(), actor, "settlement.recover", map[string]any{}); err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	out, err := s.machine.Resume(r.Context(), t.CycleID, s.operationID(r))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	actor, t, ok := s.loadMemberTimeline(w, r)
	if !ok {
		return
	}
	if err := s.gate.Authorize(r.Context(), actor, "settlement.recover", map[string]any{}); err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	var req failRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	reason := contracts.FailureReason(req.Reason)
	if reason == "" {
		reason = contracts.ReasonPlatformError
	}
	out, err := s.machine.Fail(r.Context(), t.CycleID, reason, s.operationID(r))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListSettlements lists timelines by state, defaulting to the cycles
// parked in executing that need operator attention.
func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	if err := s.gate.Authorize(r.Context(), actor, "settlement.recover", map[string]any{}); err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	state := contracts.TimelineState(r.URL.Query().Get("state"))
	if state == "" {
		state = contracts.TimelineExecuting
	}
	switch state {
	case contracts.TimelineAccepted, contracts.TimelineEscrowWait, contracts.TimelineEscrowReady,
		contracts.TimelineExecuting, contracts.TimelineCompleted, contracts.TimelineFailed:
	default:
		WriteDomainError(w, s.logger,
			contracts.Errf(contracts.CodeValidation, "unknown settlement state %q", state))
		return
	}
	timelines, err := s.store.ListTimelinesByState(r.Context(), state)
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": timelines})
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	_, t, ok := s.loadMemberTimeline(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	_, t, ok := s.loadMemberTimeline(w, r)
	if !ok {
		return
	}
	receipt, err := s.store.GetReceiptByCycle(r.Context(), t.CycleID)
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// loadMemberTimeline fetches the path timeline and enforces that the caller
// holds a leg in it; operators bypass.
func (s *Server) loadMemberTimeline(w http.ResponseWriter, r *http.Request) (authz.Actor, *contracts.SettlementTimeline, bool) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return authz.Actor{}, nil, false
	}
	t, err := s.store.GetTimeline(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return actor, nil, false
	}
	if !timelineActor(t, actor.ID) && !hasRole(actor, "operator") {
		WriteDomainError(w, s.logger,
			contracts.Errf(contracts.CodeForbidden, "actor %s holds no leg in cycle %s", actor.ID, t.CycleID))
		return actor, nil, false
	}
	return actor, t, true
}

// operationID derives the settlement op id: the Idempotency-Key when the
// client sent one, a fresh uuid otherwise.
func (s *Server) operationID(r *http.Request) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	return uuid.NewString()
}

func memberActor(p *contracts.CycleProposal, actorID string) bool {
	for _, m := range p.Participants {
		if m.ActorID == actorID {
			return true
		}
	}
	return false
}

func timelineActor(t *contracts.SettlementTimeline, actorID string) bool {
	for _, leg := range t.Legs {
		if leg.FromActorID == actorID || leg.ToActorID == actorID {
			return true
		}
	}
	return false
}

func participantActors(t *contracts.SettlementTimeline) []string {
	out := make([]string, 0, len(t.Legs))
	for _, leg := range t.Legs {
		out = append(out, leg.FromActorID)
	}
	return out
}

func hasRole(a authz.Actor, role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
