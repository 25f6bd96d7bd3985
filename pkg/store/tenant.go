package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/voicecall/orchestrator/pkg/tenant"
)

// SystemTenantID is the reserved tenant id that owns shared catalog rows
// (system voices, system numbers).
var SystemTenantID = uuid.Nil

// TenantRow is a public.tenants row.
type TenantRow struct {
	ID        uuid.UUID
	Name      string
	Slug      string
	PlanID    uuid.UUID
	Status    string // trial, active, suspended, deleted
	Metadata  json.RawMessage
	CreatedAt string
	UpdatedAt string
}

// TenantRepo provides access to the global (public schema) tenant registry.
// It implements tenant.Store and tenant.Lookup so it can be handed directly
// to the Provisioner and the HTTP schema-resolution middleware.
type TenantRepo struct {
	db DBTX
}

// NewTenantRepo creates a TenantRepo backed by dbtx (normally the bare pool,
// since tenant lookups happen before a tenant schema is known).
func NewTenantRepo(db DBTX) *TenantRepo {
	return &TenantRepo{db: db}
}

// CreateTenant inserts a new tenant row with status "trial".
func (r *TenantRepo) CreateTenant(ctx context.Context, name, slug string, config json.RawMessage) (*tenant.Info, error) {
	if config == nil {
		config = json.RawMessage(`{}`)
	}
	var id uuid.UUID
	const q = `INSERT INTO tenants (name, slug, status, metadata) VALUES ($1, $2, 'trial', $3) RETURNING id`
	if err := r.db.QueryRow(ctx, q, name, slug, config).Scan(&id); err != nil {
		return nil, fmt.Errorf("inserting tenant: %w", err)
	}
	return &tenant.Info{ID: id, Name: name, Slug: slug, Schema: tenant.SchemaName(slug)}, nil
}

// GetTenantBySlug returns the tenant metadata for a slug, excluding
// soft-deleted tenants.
func (r *TenantRepo) GetTenantBySlug(ctx context.Context, slug string) (*tenant.Info, error) {
	var info tenant.Info
	const q = `SELECT id, name, slug FROM tenants WHERE slug = $1 AND deleted_at IS NULL`
	if err := r.db.QueryRow(ctx, q, slug).Scan(&info.ID, &info.Name, &info.Slug); err != nil {
		return nil, fmt.Errorf("getting tenant %q: %w", slug, err)
	}
	info.Schema = tenant.SchemaName(slug)
	return &info, nil
}

// LookupBySlug implements tenant.Lookup for the schema-resolution middleware.
func (r *TenantRepo) LookupBySlug(ctx context.Context, slug string) (uuid.UUID, string, error) {
	info, err := r.GetTenantBySlug(ctx, slug)
	if err != nil {
		return uuid.Nil, "", err
	}
	return info.ID, info.Name, nil
}

// DeleteTenant soft-deletes a tenant row.
func (r *TenantRepo) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE tenants SET status = 'deleted', deleted_at = now() WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("deleting tenant %s: %w", id, err)
	}
	return nil
}

// ListActive returns every non-deleted tenant, for background workers that
// iterate all tenant schemas.
func (r *TenantRepo) ListActive(ctx context.Context) ([]TenantRow, error) {
	const q = `SELECT id, name, slug, status FROM tenants
		WHERE deleted_at IS NULL AND status IN ('trial','active') ORDER BY slug`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var out []TenantRow
	for rows.Next() {
		var t TenantRow
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.Status); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetStatus returns the tenant's current lifecycle status, used by
// PolicyGate-adjacent checks that need to reject suspended tenants.
func (r *TenantRepo) GetStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	const q = `SELECT status FROM tenants WHERE id = $1 AND deleted_at IS NULL`
	if err := r.db.QueryRow(ctx, q, id).Scan(&status); err != nil {
		return "", fmt.Errorf("getting tenant status: %w", err)
	}
	return status, nil
}

// PlanRow is a public.plans row.
type PlanRow struct {
	ID           uuid.UUID
	Name         string
	BillingCycle string
	PriceCents   int64
}

// PlanRepo provides read access to the plan catalog.
type PlanRepo struct {
	db DBTX
}

// NewPlanRepo creates a PlanRepo.
func NewPlanRepo(db DBTX) *PlanRepo {
	return &PlanRepo{db: db}
}

// GetPlanForTenant returns the plan referenced by a tenant.
func (r *PlanRepo) GetPlanForTenant(ctx context.Context, tenantID uuid.UUID) (PlanRow, error) {
	const q = `SELECT p.id, p.name, p.billing_cycle, p.price_cents
		FROM plans p JOIN tenants t ON t.plan_id = p.id
		WHERE t.id = $1`
	var p PlanRow
	err := r.db.QueryRow(ctx, q, tenantID).Scan(&p.ID, &p.Name, &p.BillingCycle, &p.PriceCents)
	if err != nil {
		return PlanRow{}, fmt.Errorf("getting plan for tenant %s: %w", tenantID, err)
	}
	return p, nil
}
