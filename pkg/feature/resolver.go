// Package feature resolves per-tenant feature flags and limit configs
// against a hierarchy of overrides, backed by a best-effort in-memory
// cache.
package feature

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicecall/orchestrator/pkg/store"
)

// cacheTTL is how long a resolved decision is trusted before the next
// is-enabled call re-queries the store.
const cacheTTL = 5 * time.Minute

// Decision is the outcome of resolving a feature for a tenant/subject.
type Decision struct {
	Enabled bool
	Config  json.RawMessage
}

type cacheKey struct {
	tenant  uuid.UUID
	feature string
	subject string
}

type cacheEntry struct {
	decision Decision
	expires  time.Time
}

// Resolver implements the tenant/subject/plan/default resolution
// hierarchy, with an in-memory TTL cache in front of the
// store. The cache is best-effort: every codepath that can miss or expire
// falls through to the database, so correctness never depends on it.
type Resolver struct {
	features store.FeatureRepo
	plans    store.PlanRepo

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry

	resultCounter *prometheus.CounterVec
}

// New creates a Resolver. featureRepo and planRepo read the global feature
// catalog, plan and override tables; the composition root binds them to
// the shared pool, not to a tenant-scoped connection.
func New(featureRepo *store.FeatureRepo, planRepo *store.PlanRepo, resultCounter *prometheus.CounterVec) *Resolver {
	return &Resolver{
		features:      *featureRepo,
		plans:         *planRepo,
		cache:         make(map[cacheKey]cacheEntry),
		resultCounter: resultCounter,
	}
}

func (r *Resolver) observe(result string) {
	if r.resultCounter != nil {
		r.resultCounter.WithLabelValues(result).Inc()
	}
}

// IsEnabled resolves a single feature for a tenant and optional subject.
// Any resolver error, or an unknown feature key, yields enabled = false
// (fail closed).
func (r *Resolver) IsEnabled(ctx context.Context, tenantID uuid.UUID, featureKey string, subjectID string) (Decision, error) {
	key := cacheKey{tenant: tenantID, feature: featureKey, subject: subjectID}

	if d, ok := r.fromCache(key); ok {
		r.observe("cache-hit")
		return d, nil
	}

	d, err := r.resolve(ctx, tenantID, featureKey, subjectID)
	if err != nil {
		r.observe("error")
		return Decision{Enabled: false}, err
	}

	r.store(key, d)
	r.observe("miss")
	return d, nil
}

func (r *Resolver) fromCache(key cacheKey) (Decision, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return Decision{}, false
	}
	return entry.decision, true
}

func (r *Resolver) store(key cacheKey, d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{decision: d, expires: time.Now().Add(cacheTTL)}
}

// resolve runs the full subject -> tenant-override -> plan-feature ->
// default hierarchy against the store, with no cache involvement.
func (r *Resolver) resolve(ctx context.Context, tenantID uuid.UUID, featureKey string, subjectID string) (Decision, error) {
	f, err := r.features.GetFeatureByKey(ctx, featureKey)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Decision{Enabled: false}, nil
		}
		return Decision{}, fmt.Errorf("resolving feature %q: %w", featureKey, err)
	}

	if subjectID != "" {
		if cfg, found, err := r.features.GetSubjectOverride(ctx, subjectID, f.ID); err != nil {
			return Decision{}, fmt.Errorf("subject override lookup: %w", err)
		} else if found {
			return decisionFromConfig(cfg), nil
		}
	}

	if cfg, found, err := r.features.GetTenantOverride(ctx, tenantID, f.ID); err != nil {
		return Decision{}, fmt.Errorf("tenant override lookup: %w", err)
	} else if found {
		return decisionFromConfig(cfg), nil
	}

	plan, err := r.plans.GetPlanForTenant(ctx, tenantID)
	if err != nil && err != pgx.ErrNoRows {
		return Decision{}, fmt.Errorf("loading plan for tenant %s: %w", tenantID, err)
	}
	if err == nil {
		if cfg, err := r.features.GetPlanFeature(ctx, plan.ID, f.ID); err == nil {
			return decisionFromConfig(cfg), nil
		} else if err != pgx.ErrNoRows {
			return Decision{}, fmt.Errorf("plan feature lookup: %w", err)
		}
	}

	return decisionFromConfig(f.DefaultConfig), nil
}

// ListEnabled resolves every feature in the catalog for a tenant/subject
// and returns only the enabled ones.
func (r *Resolver) ListEnabled(ctx context.Context, tenantID uuid.UUID, subjectID string) (map[string]json.RawMessage, error) {
	all, err := r.features.ListFeatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing feature catalog: %w", err)
	}

	out := make(map[string]json.RawMessage)
	for _, f := range all {
		d, err := r.IsEnabled(ctx, tenantID, f.Key, subjectID)
		if err != nil {
			continue // fail closed per-feature rather than aborting the whole list
		}
		if d.Enabled {
			out[f.Key] = d.Config
		}
	}
	return out, nil
}

// SetTenantOverride installs (or replaces) a tenant-level override and
// invalidates any cached decisions for that tenant.
func (r *Resolver) SetTenantOverride(ctx context.Context, tenantID uuid.UUID, featureKey string, config json.RawMessage, expiresAt *time.Time) error {
	f, err := r.features.GetFeatureByKey(ctx, featureKey)
	if err != nil {
		return fmt.Errorf("looking up feature %q: %w", featureKey, err)
	}
	if err := r.features.SetTenantOverride(ctx, tenantID, f.ID, config, expiresAt); err != nil {
		return err
	}
	r.Invalidate(tenantID)
	return nil
}

// ClearTenantOverride removes a tenant-level override and invalidates the
// cache for that tenant.
func (r *Resolver) ClearTenantOverride(ctx context.Context, tenantID uuid.UUID, featureKey string) error {
	f, err := r.features.GetFeatureByKey(ctx, featureKey)
	if err != nil {
		return fmt.Errorf("looking up feature %q: %w", featureKey, err)
	}
	if err := r.features.ClearTenantOverride(ctx, tenantID, f.ID); err != nil {
		return err
	}
	r.Invalidate(tenantID)
	return nil
}

// Invalidate drops every cache entry belonging to a tenant. Entries are
// matched by prefix (tenant field), not by an exact key, since a single
// tenant can have many (feature, subject) cache entries live at once.
func (r *Resolver) Invalidate(tenantID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if k.tenant == tenantID {
			delete(r.cache, k)
		}
	}
}

func decisionFromConfig(cfg json.RawMessage) Decision {
	if cfg == nil || strings.TrimSpace(string(cfg)) == "" {
		return Decision{Enabled: false}
	}
	var probe struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(cfg, &probe); err == nil && probe.Enabled != nil {
		return Decision{Enabled: *probe.Enabled, Config: cfg}
	}
	// A config object with no explicit "enabled" key is treated as an
	// enabled addon/limit whose presence alone turns the feature on.
	return Decision{Enabled: true, Config: cfg}
}
