// Package callapi is the HTTP surface for single-call dispatch, provider
// status callbacks, the real-time status stream, and the voice/number
// catalog. All logic lives below this layer; handlers decode, delegate,
// and map typed failures onto the stable error taxonomy.
package callapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicecall/orchestrator/internal/audit"
	"github.com/voicecall/orchestrator/internal/auth"
	"github.com/voicecall/orchestrator/internal/httpserver"
	"github.com/voicecall/orchestrator/pkg/dispatch"
	"github.com/voicecall/orchestrator/pkg/ledger"
	"github.com/voicecall/orchestrator/pkg/policy"
	"github.com/voicecall/orchestrator/pkg/store"
	"github.com/voicecall/orchestrator/pkg/stream"
	"github.com/voicecall/orchestrator/pkg/tenant"
)

// FeatureVoiceAgent is the feature key gating outbound calling.
const FeatureVoiceAgent = "voice-agent"

// e164Pattern validates to-numbers (E.164) before any dispatch work.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// DB is the per-request connection surface handlers borrow from the
// tenant middleware.
type DB interface {
	store.DBTX
	store.Beginner
}

// Handler provides the /calls HTTP handlers. Dispatcher and ledger
// factories take the request's tenant-scoped connection, mirroring the
// per-request service construction used across this codebase.
type Handler struct {
	logger        *slog.Logger
	audit         *audit.Writer
	hub           *stream.Hub
	newDispatcher func(db DB) *dispatch.Dispatcher
	newLedger     func(db DB) *ledger.Ledger
	rejections    *prometheus.CounterVec
}

// NewHandler creates a call Handler.
func NewHandler(logger *slog.Logger, auditWriter *audit.Writer, hub *stream.Hub, newDispatcher func(db DB) *dispatch.Dispatcher, newLedger func(db DB) *ledger.Ledger, rejections *prometheus.CounterVec) *Handler {
	return &Handler{
		logger: logger, audit: auditWriter, hub: hub,
		newDispatcher: newDispatcher, newLedger: newLedger, rejections: rejections,
	}
}

// Register mounts the tenant-scoped call routes. Paths are registered
// individually (not as a mounted sub-router) so GET /calls/stream can live
// on the sibling streaming group without a wildcard conflict.
func (h *Handler) Register(r chi.Router) {
	r.Post("/calls/start-call", h.handleStartCall)
	r.Post("/calls/trigger-call", h.handleV1TriggerCall) // legacy camelCase shim
	r.Post("/calls/provider-callback", h.handleProviderCallback)
	r.Get("/voices", h.HandleListVoices)
	r.Get("/numbers", h.HandleListNumbers)
}

// startCallRequest is the authoritative v2 wire shape (snake_case).
type startCallRequest struct {
	ToNumber         string         `json:"to_number" validate:"required,e164"`
	AgentID          string         `json:"agent_id" validate:"required"`
	VoiceID          string         `json:"voice_id" validate:"omitempty,uuid"`
	FromNumber       string         `json:"from_number" validate:"omitempty,e164"`
	LeadID           string         `json:"lead_id"`
	LeadName         string         `json:"lead_name"`
	AddedContext     map[string]any `json:"added_context"`
	KnowledgeBaseIDs []string       `json:"knowledge_base_ids"`
	Timezone         string         `json:"timezone"`
}

// startCallResponse is the success payload inside the {success, data}
// envelope.
type startCallResponse struct {
	CallLogID      uuid.UUID `json:"call_log_id"`
	ProviderCallID string    `json:"provider_call_id,omitempty"`
	Status         string    `json:"status"`
}

func (h *Handler) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	h.startCall(w, r, req)
}

// startCall is shared between the v2 handler and the v1 compatibility
// shim: everything after wire-shape decoding is identical.
func (h *Handler) startCall(w http.ResponseWriter, r *http.Request, req startCallRequest) {
	if !e164Pattern.MatchString(req.ToNumber) {
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, "to_number must be E.164")
		return
	}

	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	agentRef, err := strconv.ParseInt(req.AgentID, 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, "agent_id must be an integer")
		return
	}

	var voiceRef *uuid.UUID
	if req.VoiceID != "" {
		id, err := uuid.Parse(req.VoiceID)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, "voice_id must be a UUID")
			return
		}
		voiceRef = &id
	}

	res, err := h.newDispatcher(conn).Dispatch(r.Context(), dispatch.Request{
		TenantID:          p.TenantID,
		SubjectID:         p.SubjectID,
		ToNumber:          req.ToNumber,
		AgentRef:          agentRef,
		VoiceRef:          voiceRef,
		FromNumber:        req.FromNumber,
		LeadRef:           req.LeadID,
		LeadName:          req.LeadName,
		AddedContext:      req.AddedContext,
		KnowledgeBaseRefs: req.KnowledgeBaseIDs,
		Initiator:         p.SubjectID,
		FeatureKey:        FeatureVoiceAgent,
		Timezone:          resolveTimezone(r, req.Timezone),
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidNumber) {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, "to_number must be E.164")
			return
		}
		h.logger.Error("dispatching call", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to dispatch call")
		return
	}

	if res.Rejection != nil {
		h.respondRejection(w, r, res.Rejection)
		return
	}

	switch res.Error {
	case "":
	case "no-provider":
		httpserver.RespondError(w, http.StatusServiceUnavailable, httpserver.ErrorNoProvider, "no telephony provider available")
		return
	case "provider-failed":
		httpserver.RespondErrorDetails(w, http.StatusBadGateway, httpserver.ErrorProviderFail, "provider rejected the call",
			map[string]any{"call_log_id": res.CallLogID})
		return
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, res.Error)
		return
	}

	httpserver.Respond(w, http.StatusOK, startCallResponse{
		CallLogID:      res.CallLogID,
		ProviderCallID: res.ProviderCallID,
		Status:         string(res.Status),
	})
}

// respondRejection maps a PolicyGate rejection onto the HTTP taxonomy,
// passing the typed details through verbatim and auditing the refusal.
func (h *Handler) respondRejection(w http.ResponseWriter, r *http.Request, rej *policy.Rejection) {
	if h.rejections != nil {
		h.rejections.WithLabelValues(string(rej.Kind)).Inc()
	}
	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"kind": rej.Kind, "details": rej.Details})
		h.audit.LogFromRequest(r, "reject", "call", uuid.Nil, detail)
	}

	switch rej.Kind {
	case policy.RejectFeatureDisabled:
		details := map[string]any{"upgrade_required": true}
		for k, v := range rej.Details {
			details[k] = v
		}
		httpserver.RespondErrorDetails(w, http.StatusForbidden, httpserver.ErrorFeatureOff, "feature is not enabled for this tenant", details)
	case policy.RejectOutsideHours:
		httpserver.RespondErrorDetails(w, http.StatusForbidden, httpserver.ErrorOutsideHours, "outside business hours", rej.Details)
	case policy.RejectInsufficientCredits:
		httpserver.RespondErrorDetails(w, http.StatusPaymentRequired, httpserver.ErrorInsufficient, "insufficient credits", rej.Details)
	case policy.RejectRateLimited:
		httpserver.RespondErrorDetails(w, http.StatusTooManyRequests, httpserver.ErrorRateLimited, "rate limit exceeded", rej.Details)
	default:
		httpserver.RespondError(w, http.StatusForbidden, httpserver.ErrorKind(rej.Kind), string(rej.Kind))
	}
}

// resolveTimezone applies the request-level precedence: body, x-timezone
// header, cookie. No subject-profile timezone is read: the principal
// carries none, so PolicyGate's profile step is always empty on this path.
func resolveTimezone(r *http.Request, bodyTZ string) string {
	if bodyTZ != "" {
		return bodyTZ
	}
	if tz := r.Header.Get("X-Timezone"); tz != "" {
		return tz
	}
	if c, err := r.Cookie("timezone"); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// providerCallbackRequest is the status update a provider (or the poller)
// posts back. Terminal statuses trigger settlement.
type providerCallbackRequest struct {
	CallLogID       string         `json:"call_log_id" validate:"required,uuid"`
	Status          string         `json:"status" validate:"required"`
	DurationSeconds *int           `json:"duration_seconds"`
	Cost            *int64         `json:"cost"`
	RecordingURL    *string        `json:"recording_url"`
	Error           map[string]any `json:"error"`
}

func (h *Handler) handleProviderCallback(w http.ResponseWriter, r *http.Request) {
	var req providerCallbackRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())
	callLogID := uuid.MustParse(req.CallLogID) // validated above

	status := store.CallStatus(req.Status)

	var errDetail json.RawMessage
	if req.Error != nil {
		errDetail, _ = json.Marshal(req.Error)
	}

	if !store.IsTerminal(status) {
		if status != store.CallRinging && status != store.CallInProgress {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, "unknown call status")
			return
		}
		row, err := store.NewCallLogRepo(conn).Transition(r.Context(), store.TransitionParams{
			TenantID: p.TenantID, ID: callLogID, Status: status,
		})
		if err != nil {
			h.respondTransitionError(w, err, callLogID)
			return
		}
		httpserver.Respond(w, http.StatusOK, map[string]any{"call_log_id": row.ID, "status": row.Status})
		return
	}

	disp := h.newDispatcher(conn)
	row, err := disp.SettleTerminal(r.Context(), h.newLedger(conn), dispatch.TerminalOutcome{
		TenantID:        p.TenantID,
		CallLogID:       callLogID,
		Status:          status,
		DurationSeconds: req.DurationSeconds,
		CostCredits:     req.Cost,
		RecordingURL:    req.RecordingURL,
		ErrorDetail:     errDetail,
	})
	if err != nil {
		h.respondTransitionError(w, err, callLogID)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"call_log_id": row.ID, "status": row.Status})
}

func (h *Handler) respondTransitionError(w http.ResponseWriter, err error, callLogID uuid.UUID) {
	switch {
	case errors.Is(err, store.ErrTerminalTransition):
		httpserver.RespondError(w, http.StatusConflict, httpserver.ErrorConflict, "call log is already in a terminal state")
	case errors.Is(err, pgx.ErrNoRows):
		httpserver.RespondError(w, http.StatusNotFound, httpserver.ErrorNotFound, "call log not found")
	default:
		h.logger.Error("applying call status update", "call_log_id", callLogID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to apply status update")
	}
}

// HandleListVoices serves the voice catalog (tenant-scoped plus system
// rows) for call-setup pickers.
func (h *Handler) HandleListVoices(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	voices, err := store.NewVoiceRepo(conn).ListVoices(r.Context(), p.TenantID)
	if err != nil {
		h.logger.Error("listing voices", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to list voices")
		return
	}
	httpserver.Respond(w, http.StatusOK, voices)
}

// HandleListNumbers serves the tenant's phone-number catalog.
func (h *Handler) HandleListNumbers(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	numbers, err := store.NewNumberRepo(conn).ListNumbers(r.Context(), p.TenantID)
	if err != nil {
		h.logger.Error("listing numbers", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to list numbers")
		return
	}
	httpserver.Respond(w, http.StatusOK, numbers)
}
