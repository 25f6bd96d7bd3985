package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AgentRow is a voice agent configured by a tenant.
type AgentRow struct {
	ID           int64
	TenantID     uuid.UUID
	Name         string
	Language     string
	VoiceRef     *uuid.UUID
	Instructions string
	Starters     []string
	ProviderID   string
}

// AgentRepo provides access to voice agents. Agent ids are integers (not
// UUIDs): the reserved routing ids "24"/"VAPI" are historically string
// literals compared against the agent's own id.
type AgentRepo struct {
	db DBTX
}

// NewAgentRepo creates an AgentRepo.
func NewAgentRepo(db DBTX) *AgentRepo {
	return &AgentRepo{db: db}
}

// Get returns a single agent, excluding soft-deleted rows.
func (r *AgentRepo) Get(ctx context.Context, tenantID uuid.UUID, id int64) (AgentRow, error) {
	const q = `SELECT id, tenant_id, name, language, voice_id, instructions, starter_prompts, provider_id
		FROM voice_agents WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`
	var a AgentRow
	err := r.db.QueryRow(ctx, q, tenantID, id).Scan(
		&a.ID, &a.TenantID, &a.Name, &a.Language, &a.VoiceRef, &a.Instructions, &a.Starters, &a.ProviderID,
	)
	if err != nil {
		return AgentRow{}, fmt.Errorf("getting agent %d: %w", id, err)
	}
	return a, nil
}
