package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FeatureRow is the catalog entity backing pkg/feature's default config.
type FeatureRow struct {
	ID            uuid.UUID
	Key           string
	Kind          string // boolean, limit, addon
	DefaultConfig json.RawMessage
}

// PlanFeatureRow is a (plan, feature) -> config row.
type PlanFeatureRow struct {
	PlanID    uuid.UUID
	FeatureID uuid.UUID
	Config    json.RawMessage
}

// OverrideRow is a (tenant|subject, feature) -> config row with optional
// expiry.
type OverrideRow struct {
	FeatureID string
	Config    json.RawMessage
	ExpiresAt *time.Time
}

// FeatureRepo provides read/write access to the feature catalog and the
// tenant/subject override tables that pkg/feature.Resolver composes.
type FeatureRepo struct {
	db DBTX
}

// NewFeatureRepo creates a FeatureRepo.
func NewFeatureRepo(db DBTX) *FeatureRepo {
	return &FeatureRepo{db: db}
}

// GetFeatureByKey returns the catalog row for a stable feature key.
func (r *FeatureRepo) GetFeatureByKey(ctx context.Context, key string) (FeatureRow, error) {
	const q = `SELECT id, key, kind, default_config FROM features WHERE key = $1`
	var f FeatureRow
	err := r.db.QueryRow(ctx, q, key).Scan(&f.ID, &f.Key, &f.Kind, &f.DefaultConfig)
	if err != nil {
		return FeatureRow{}, fmt.Errorf("getting feature %q: %w", key, err)
	}
	return f, nil
}

// ListFeatures returns the entire feature catalog.
func (r *FeatureRepo) ListFeatures(ctx context.Context) ([]FeatureRow, error) {
	const q = `SELECT id, key, kind, default_config FROM features ORDER BY key`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing features: %w", err)
	}
	defer rows.Close()

	var out []FeatureRow
	for rows.Next() {
		var f FeatureRow
		if err := rows.Scan(&f.ID, &f.Key, &f.Kind, &f.DefaultConfig); err != nil {
			return nil, fmt.Errorf("scanning feature row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetPlanFeature returns the plan-level config for a feature, if the plan
// overrides the catalog default.
func (r *FeatureRepo) GetPlanFeature(ctx context.Context, planID, featureID uuid.UUID) (json.RawMessage, error) {
	const q = `SELECT config FROM plan_features WHERE plan_id = $1 AND feature_id = $2`
	var cfg json.RawMessage
	err := r.db.QueryRow(ctx, q, planID, featureID).Scan(&cfg)
	if err != nil {
		return nil, err // pgx.ErrNoRows is meaningful: fall through to default
	}
	return cfg, nil
}

// GetTenantOverride returns the tenant-level override for a feature, unless
// it has already expired. Expiry is evaluated here, at read time, never by
// a sweeper.
func (r *FeatureRepo) GetTenantOverride(ctx context.Context, tenantID, featureID uuid.UUID) (json.RawMessage, bool, error) {
	const q = `SELECT config, expires_at FROM tenant_overrides
		WHERE tenant_id = $1 AND feature_id = $2`
	var cfg json.RawMessage
	var expiresAt *time.Time
	err := r.db.QueryRow(ctx, q, tenantID, featureID).Scan(&cfg, &expiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting tenant override: %w", err)
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		return nil, false, nil
	}
	return cfg, true, nil
}

// GetSubjectOverride returns the subject-level override for a feature.
func (r *FeatureRepo) GetSubjectOverride(ctx context.Context, subjectID string, featureID uuid.UUID) (json.RawMessage, bool, error) {
	const q = `SELECT config FROM subject_overrides WHERE subject_id = $1 AND feature_id = $2`
	var cfg json.RawMessage
	err := r.db.QueryRow(ctx, q, subjectID, featureID).Scan(&cfg)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting subject override: %w", err)
	}
	return cfg, true, nil
}

// SetTenantOverride upserts a tenant-level feature override.
func (r *FeatureRepo) SetTenantOverride(ctx context.Context, tenantID, featureID uuid.UUID, config json.RawMessage, expiresAt *time.Time) error {
	const q = `INSERT INTO tenant_overrides (tenant_id, feature_id, config, enabled_at, expires_at)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (tenant_id, feature_id) DO UPDATE
		SET config = EXCLUDED.config, expires_at = EXCLUDED.expires_at, enabled_at = now()`
	_, err := r.db.Exec(ctx, q, tenantID, featureID, config, expiresAt)
	if err != nil {
		return fmt.Errorf("setting tenant override: %w", err)
	}
	return nil
}

// ClearTenantOverride removes a tenant-level feature override.
func (r *FeatureRepo) ClearTenantOverride(ctx context.Context, tenantID, featureID uuid.UUID) error {
	const q = `DELETE FROM tenant_overrides WHERE tenant_id = $1 AND feature_id = $2`
	_, err := r.db.Exec(ctx, q, tenantID, featureID)
	if err != nil {
		return fmt.Errorf("clearing tenant override: %w", err)
	}
	return nil
}

// ListPlanFeatures returns every feature key enabled for a plan, joined
// against the catalog so pkg/feature.Resolver's list-enabled can iterate
// without N+1 queries.
func (r *FeatureRepo) ListPlanFeatures(ctx context.Context, planID uuid.UUID) (map[string]json.RawMessage, error) {
	const q = `SELECT f.key, pf.config FROM plan_features pf
		JOIN features f ON f.id = pf.feature_id
		WHERE pf.plan_id = $1`
	rows, err := r.db.Query(ctx, q, planID)
	if err != nil {
		return nil, fmt.Errorf("listing plan features: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var cfg json.RawMessage
		if err := rows.Scan(&key, &cfg); err != nil {
			return nil, fmt.Errorf("scanning plan feature row: %w", err)
		}
		out[key] = cfg
	}
	return out, rows.Err()
}
