// Package batchapi is the HTTP surface for batch call dispatch: intake,
// status, cancellation, listing, per-batch call-logs, and tenant
// aggregates.
package batchapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voicecall/orchestrator/internal/audit"
	"github.com/voicecall/orchestrator/internal/auth"
	"github.com/voicecall/orchestrator/internal/httpserver"
	"github.com/voicecall/orchestrator/pkg/batch"
	"github.com/voicecall/orchestrator/pkg/callapi"
	"github.com/voicecall/orchestrator/pkg/policy"
	"github.com/voicecall/orchestrator/pkg/store"
	"github.com/voicecall/orchestrator/pkg/tenant"
)

// Handler provides the batch HTTP handlers.
type Handler struct {
	logger      *slog.Logger
	audit       *audit.Writer
	coordinator *batch.Coordinator
}

// NewHandler creates a batch Handler.
func NewHandler(logger *slog.Logger, auditWriter *audit.Writer, coordinator *batch.Coordinator) *Handler {
	return &Handler{logger: logger, audit: auditWriter, coordinator: coordinator}
}

// Register mounts the batch routes. The paths straddle two prefixes
// (/batch/... and the flat /batch-view, /batch-id/...), so registration
// happens against the parent router rather than a single Mount point.
func (h *Handler) Register(r chi.Router) {
	r.Post("/batch/trigger-batch-call", h.handleTrigger)
	r.Get("/batch/batch-status/{id}", h.handleStatus)
	r.Post("/batch/batch-cancel/{id}", h.handleCancel)
	r.Get("/batch/stats", h.handleStats)
	r.Get("/batch-view", h.handleList)
	r.Get("/batch-id/{batchID}", h.handleCallLogs)
}

// batchEntryRequest is one entry in the trigger payload.
type batchEntryRequest struct {
	ToNumber         string         `json:"to_number" validate:"required,e164"`
	LeadName         string         `json:"lead_name"`
	LeadID           string         `json:"lead_id"`
	AddedContext     map[string]any `json:"added_context"`
	KnowledgeBaseIDs []string       `json:"knowledge_base_ids"`
}

// triggerBatchRequest is the batch intake wire shape (v2, snake_case).
type triggerBatchRequest struct {
	AgentID      string              `json:"agent_id" validate:"required"`
	VoiceID      string              `json:"voice_id" validate:"omitempty,uuid"`
	FromNumber   string              `json:"from_number" validate:"omitempty,e164"`
	AddedContext map[string]any      `json:"added_context"`
	Timezone     string              `json:"timezone"`
	Entries      []batchEntryRequest `json:"entries" validate:"required,min=1,dive"`
}

// triggerResponse is the {success, result} envelope for intake.
type triggerResponse struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerBatchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	p := auth.FromContext(r.Context())
	t := tenant.FromContext(r.Context())
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

	entries := make([]batch.Entry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, batch.Entry{
			ToNumber:          e.ToNumber,
			LeadName:          e.LeadName,
			LeadRef:           e.LeadID,
			AddedContext:      e.AddedContext,
			KnowledgeBaseRefs: e.KnowledgeBaseIDs,
		})
	}

	row, rej, err := h.coordinator.Create(r.Context(), conn, batch.CreateSpec{
		TenantID:     p.TenantID,
		Schema:       t.Schema,
		SubjectID:    p.SubjectID,
		FeatureKey:   callapi.FeatureVoiceAgent,
		VoiceRef:     voiceRef,
		AgentRef:     agentRef,
		FromNumber:   req.FromNumber,
		AddedContext: req.AddedContext,
		InitiatedBy:  p.SubjectID,
		Timezone:     req.Timezone,
		Entries:      entries,
	})
	if err != nil {
		switch {
		case errors.Is(err, batch.ErrNoEntries):
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, "entries must not be empty")
		case errors.Is(err, batch.ErrInvalidNumber):
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, err.Error())
		default:
			h.logger.Error("creating batch", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to create batch")
		}
		return
	}
	if rej != nil {
		h.respondRejection(w, rej)
		return
	}

	httpserver.RespondRaw(w, http.StatusOK, triggerResponse{
		Success: true,
		Result: map[string]any{
			"batch_id":    row.ID,
			"status":      row.Status,
			"total_calls": row.TotalCalls,
		},
	})
}

// respondRejection maps an aggregate-gate rejection the same way the
// single-call surface does.
func (h *Handler) respondRejection(w http.ResponseWriter, rej *policy.Rejection) {
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

// batchResponse is the {success, batch} envelope for status reads.
type batchResponse struct {
	Success bool `json:"success"`
	Batch   any  `json:"batch"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, "invalid batch id")
		return
	}

	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, err.Error())
		return
	}

	row, entries, total, err := h.coordinator.Get(r.Context(), conn, p.TenantID, batchID, params.PageSize, params.Offset)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, httpserver.ErrorNotFound, "batch not found")
			return
		}
		h.logger.Error("getting batch", "batch_id", batchID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to get batch")
		return
	}

	httpserver.RespondRaw(w, http.StatusOK, batchResponse{
		Success: true,
		Batch: map[string]any{
			"batch":   row,
			"entries": httpserver.NewOffsetPage(entries, params, total),
		},
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, "invalid batch id")
		return
	}

	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	row, err := h.coordinator.Cancel(r.Context(), conn, p.TenantID, batchID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrBatchTerminal):
			httpserver.RespondError(w, http.StatusConflict, httpserver.ErrorConflict, "batch is already in a terminal state")
		case errors.Is(err, pgx.ErrNoRows):
			httpserver.RespondError(w, http.StatusNotFound, httpserver.ErrorNotFound, "batch not found")
		default:
			h.logger.Error("canceling batch", "batch_id", batchID, "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to cancel batch")
		}
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "cancel", "batch", batchID, nil)
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"batch_id": row.ID, "status": row.Status})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, err.Error())
		return
	}

	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	rows, total, err := h.coordinator.List(r.Context(), conn, p.TenantID, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing batches", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to list batches")
		return
	}

	page := httpserver.NewOffsetPage(rows, params, total)
	httpserver.RespondPaginated(w, page.Items, map[string]any{
		"page":        page.Page,
		"page_size":   page.PageSize,
		"total_items": page.TotalItems,
		"total_pages": page.TotalPages,
	})
}

func (h *Handler) handleCallLogs(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, "invalid batch id")
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, err.Error())
		return
	}

	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	// 404 when the batch itself doesn't exist for this tenant, per the
	// endpoint table; an existing batch with no call-logs yet is an empty
	// page, not an error.
	if _, err := store.NewBatchRepo(conn).Get(r.Context(), p.TenantID, batchID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, httpserver.ErrorNotFound, "batch not found")
			return
		}
		h.logger.Error("getting batch for call logs", "batch_id", batchID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to get batch")
		return
	}

	logs, total, err := store.NewCallLogRepo(conn).ListPaged(r.Context(), p.TenantID,
		store.CallLogListFilters{BatchRef: &batchID}, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing batch call logs", "batch_id", batchID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to list call logs")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(logs, params, total))
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	stats, err := h.coordinator.Stats(r.Context(), conn, p.TenantID)
	if err != nil {
		h.logger.Error("reading batch stats", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to read batch stats")
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}
