package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NumberRow is a tenant-owned phone number.
type NumberRow struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	CountryCode     string
	BaseNumber      string
	Provider        string
	Status          string
	Rules           json.RawMessage
	DefaultAgentRef *int64
}

// NumberRepo provides access to tenant phone numbers.
type NumberRepo struct {
	db DBTX
}

// NewNumberRepo creates a NumberRepo.
func NewNumberRepo(db DBTX) *NumberRepo {
	return &NumberRepo{db: db}
}

// ListNumbers returns every active number owned by a tenant. Supplementary
// catalog-browsing read path, same rationale as VoiceRepo.ListVoices.
func (r *NumberRepo) ListNumbers(ctx context.Context, tenantID uuid.UUID) ([]NumberRow, error) {
	const q = `SELECT id, tenant_id, country_code, base_number, provider, status, rules, default_agent_id
		FROM phone_numbers WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY base_number`
	rows, err := r.db.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing numbers: %w", err)
	}
	defer rows.Close()

	var out []NumberRow
	for rows.Next() {
		var n NumberRow
		if err := rows.Scan(&n.ID, &n.TenantID, &n.CountryCode, &n.BaseNumber, &n.Provider, &n.Status, &n.Rules, &n.DefaultAgentRef); err != nil {
			return nil, fmt.Errorf("scanning number row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetDefault returns the tenant's default-from number, if configured.
func (r *NumberRepo) GetDefault(ctx context.Context, tenantID uuid.UUID) (NumberRow, error) {
	const q = `SELECT id, tenant_id, country_code, base_number, provider, status, rules, default_agent_id
		FROM phone_numbers WHERE tenant_id = $1 AND status = 'active' AND deleted_at IS NULL
		ORDER BY created_at LIMIT 1`
	var n NumberRow
	err := r.db.QueryRow(ctx, q, tenantID).Scan(&n.ID, &n.TenantID, &n.CountryCode, &n.BaseNumber, &n.Provider, &n.Status, &n.Rules, &n.DefaultAgentRef)
	if err != nil {
		return NumberRow{}, fmt.Errorf("getting default number: %w", err)
	}
	return n, nil
}
