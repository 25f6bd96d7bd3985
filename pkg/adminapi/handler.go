// Package adminapi is the operator surface: credit adjustments and
// refunds, campaign summaries, tenant feature overrides, provider
// disable toggles, and tenant provisioning. Every mutation here is
// audited; all routes require the admin role.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voicecall/orchestrator/internal/audit"
	"github.com/voicecall/orchestrator/internal/auth"
	"github.com/voicecall/orchestrator/internal/httpserver"
	"github.com/voicecall/orchestrator/pkg/feature"
	"github.com/voicecall/orchestrator/pkg/ledger"
	"github.com/voicecall/orchestrator/pkg/provider"
	"github.com/voicecall/orchestrator/pkg/store"
	"github.com/voicecall/orchestrator/pkg/tenant"
)

// DB is the per-request connection surface.
type DB interface {
	store.DBTX
	store.Beginner
}

// Handler provides the /admin HTTP handlers.
type Handler struct {
	logger      *slog.Logger
	audit       *audit.Writer
	resolver    *feature.Resolver
	registry    *provider.Registry
	provisioner *tenant.Provisioner
	rdb         *redis.Client
	newLedger   func(db DB) *ledger.Ledger
}

// NewHandler creates an admin Handler.
func NewHandler(logger *slog.Logger, auditWriter *audit.Writer, resolver *feature.Resolver, registry *provider.Registry, provisioner *tenant.Provisioner, rdb *redis.Client, newLedger func(db DB) *ledger.Ledger) *Handler {
	return &Handler{
		logger: logger, audit: auditWriter, resolver: resolver,
		registry: registry, provisioner: provisioner, rdb: rdb, newLedger: newLedger,
	}
}

// Routes returns the /admin routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requireAdmin)

	r.Get("/credits/balance", h.handleBalance)
	r.Post("/credits/adjust", h.handleAdjust)
	r.Post("/credits/refund", h.handleRefund)
	r.Get("/credits/campaign-summary/{referenceID}", h.handleCampaignSummary)

	r.Get("/features", h.handleListFeatures)
	r.Put("/features/{key}/override", h.handleSetOverride)
	r.Delete("/features/{key}/override", h.handleClearOverride)

	r.Put("/providers/{id}/disable", h.handleProviderDisable)

	r.Post("/tenants", h.handleProvisionTenant)
	return r
}

// requireAdmin rejects any caller without the admin role.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := auth.FromContext(r.Context())
		if p == nil || p.Role != auth.RoleAdmin {
			httpserver.RespondError(w, http.StatusForbidden, httpserver.ErrorAuth, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	balance, err := h.newLedger(conn).Balance(r.Context(), p.TenantID)
	if err != nil {
		h.logger.Error("reading balance", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to read balance")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"balance": balance})
}

type adjustRequest struct {
	Amount         int64          `json:"amount" validate:"required"`
	Reason         string         `json:"reason" validate:"required"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key" validate:"required"`
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	var metadata json.RawMessage
	if req.Metadata != nil {
		metadata, _ = json.Marshal(req.Metadata)
	}

	entry, err := h.newLedger(conn).Adjust(r.Context(), p.TenantID, req.Amount, req.Reason, metadata, req.IdempotencyKey)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"amount": req.Amount, "reason": req.Reason})
		h.audit.LogFromRequest(r, "adjust", "wallet", entry.WalletID, detail)
	}
	httpserver.Respond(w, http.StatusOK, entry)
}

type refundRequest struct {
	Amount         int64          `json:"amount" validate:"required,gt=0"`
	ReferenceKind  string         `json:"reference_kind" validate:"required"`
	ReferenceID    string         `json:"reference_id" validate:"required"`
	Reason         string         `json:"reason" validate:"required"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key" validate:"required"`
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	p := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	var metadata json.RawMessage
	if req.Metadata != nil {
		metadata, _ = json.Marshal(req.Metadata)
	}

	entry, err := h.newLedger(conn).Refund(r.Context(), p.TenantID, req.Amount, req.ReferenceKind, req.ReferenceID, req.Reason, metadata, req.IdempotencyKey)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"amount": req.Amount, "reference": req.ReferenceID})
		h.audit.LogFromRequest(r, "refund", "wallet", entry.WalletID, detail)
	}
	httpserver.Respond(w, http.StatusOK, entry)
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, "amount must be non-zero")
	case errors.Is(err, store.ErrInsufficientFunds):
		httpserver.RespondError(w, http.StatusPaymentRequired, httpserver.ErrorInsufficient, "insufficient credits")
	case errors.Is(err, store.ErrNoWallet):
		httpserver.RespondError(w, http.StatusNotFound, httpserver.ErrorNotFound, "tenant has no wallet")
	default:
		h.logger.Error("ledger operation", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "ledger operation failed")
	}
}

func (h *Handler) handleCampaignSummary(w http.ResponseWriter, r *http.Request) {
	referenceID := chi.URLParam(r, "referenceID")
	conn := tenant.ConnFromContext(r.Context())

	summary, err := h.newLedger(conn).CampaignSummary(r.Context(), referenceID)
	if err != nil {
		h.logger.Error("reading campaign summary", "reference_id", referenceID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to read campaign summary")
		return
	}
	httpserver.Respond(w, http.StatusOK, summary)
}

func (h *Handler) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())

	features, err := h.resolver.ListEnabled(r.Context(), p.TenantID, p.SubjectID)
	if err != nil {
		h.logger.Error("listing features", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to list features")
		return
	}
	httpserver.Respond(w, http.StatusOK, features)
}

type setOverrideRequest struct {
	Config    map[string]any `json:"config" validate:"required"`
	ExpiresAt *time.Time     `json:"expires_at"`
}

func (h *Handler) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req setOverrideRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	p := auth.FromContext(r.Context())
	config, _ := json.Marshal(req.Config)

	if err := h.resolver.SetTenantOverride(r.Context(), p.TenantID, key, config, req.ExpiresAt); err != nil {
		h.logger.Error("setting tenant override", "feature", key, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to set override")
		return
	}
	h.broadcastInvalidate(r.Context(), p.TenantID)

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"feature": key, "config": req.Config, "expires_at": req.ExpiresAt})
		h.audit.LogFromRequest(r, "set-override", "feature", uuid.Nil, detail)
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"feature": key})
}

func (h *Handler) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	p := auth.FromContext(r.Context())

	if err := h.resolver.ClearTenantOverride(r.Context(), p.TenantID, key); err != nil {
		h.logger.Error("clearing tenant override", "feature", key, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, httpserver.ErrorInternal, "failed to clear override")
		return
	}
	h.broadcastInvalidate(r.Context(), p.TenantID)

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"feature": key})
		h.audit.LogFromRequest(r, "clear-override", "feature", uuid.Nil, detail)
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"feature": key})
}

// broadcastInvalidate fans the invalidation out to sibling processes; the
// local cache was already invalidated by the resolver itself.
func (h *Handler) broadcastInvalidate(ctx context.Context, tenantID uuid.UUID) {
	if h.rdb == nil {
		return
	}
	if err := feature.PublishInvalidate(ctx, h.rdb, tenantID); err != nil {
		h.logger.Warn("broadcasting feature invalidation", "tenant_id", tenantID, "error", err)
	}
}

type providerDisableRequest struct {
	Disabled bool `json:"disabled"`
}

func (h *Handler) handleProviderDisable(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")

	var req providerDisableRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	h.registry.SetDisabled(providerID, req.Disabled)

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"provider": providerID, "disabled": req.Disabled})
		h.audit.LogFromRequest(r, "provider-disable", "provider", uuid.Nil, detail)
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"provider": providerID, "disabled": req.Disabled})
}

type provisionTenantRequest struct {
	Name string `json:"name" validate:"required"`
	Slug string `json:"slug" validate:"required"`
}

func (h *Handler) handleProvisionTenant(w http.ResponseWriter, r *http.Request) {
	var req provisionTenantRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	info, err := h.provisioner.Provision(r.Context(), req.Name, req.Slug, nil)
	if err != nil {
		h.logger.Error("provisioning tenant", "slug", req.Slug, "error", err)
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.ErrorValidation, err.Error())
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"slug": req.Slug})
		h.audit.LogFromRequest(r, "provision", "tenant", info.ID, detail)
	}
	httpserver.Respond(w, http.StatusCreated, info)
}
