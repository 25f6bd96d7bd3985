package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// VoiceRow is a catalog voice, either tenant-scoped or owned by the system
// tenant (shared across all tenants).
type VoiceRow struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Provider  string
	SampleURL string
	Gender    string
	Accent    string
}

// VoiceRepo provides read access to the voice catalog.
type VoiceRepo struct {
	db DBTX
}

// NewVoiceRepo creates a VoiceRepo.
func NewVoiceRepo(db DBTX) *VoiceRepo {
	return &VoiceRepo{db: db}
}

// Get returns a voice by id, visible to tenantID if it's owned by tenantID
// or by the system tenant.
func (r *VoiceRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (VoiceRow, error) {
	const q = `SELECT id, tenant_id, provider, sample_url, gender, accent
		FROM voices WHERE id = $1 AND (tenant_id = $2 OR tenant_id = $3) AND deleted_at IS NULL`
	var v VoiceRow
	err := r.db.QueryRow(ctx, q, id, tenantID, SystemTenantID).Scan(
		&v.ID, &v.TenantID, &v.Provider, &v.SampleURL, &v.Gender, &v.Accent,
	)
	if err != nil {
		return VoiceRow{}, fmt.Errorf("getting voice %s: %w", id, err)
	}
	return v, nil
}

// ListVoices returns every voice visible to a tenant (its own plus system
// catalog rows), used by the voice-picker catalog endpoint.
func (r *VoiceRepo) ListVoices(ctx context.Context, tenantID uuid.UUID) ([]VoiceRow, error) {
	const q = `SELECT id, tenant_id, provider, sample_url, gender, accent
		FROM voices WHERE (tenant_id = $1 OR tenant_id = $2) AND deleted_at IS NULL
		ORDER BY provider, gender`
	rows, err := r.db.Query(ctx, q, tenantID, SystemTenantID)
	if err != nil {
		return nil, fmt.Errorf("listing voices: %w", err)
	}
	defer rows.Close()

	var out []VoiceRow
	for rows.Next() {
		var v VoiceRow
		if err := rows.Scan(&v.ID, &v.TenantID, &v.Provider, &v.SampleURL, &v.Gender, &v.Accent); err != nil {
			return nil, fmt.Errorf("scanning voice row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
