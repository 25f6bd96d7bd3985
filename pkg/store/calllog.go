package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CallStatus enumerates the CallLog state machine.
type CallStatus string

const (
	CallQueued     CallStatus = "queued"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallBusy       CallStatus = "busy"
	CallNoAnswer   CallStatus = "no-answer"
	CallCanceled   CallStatus = "canceled"
)

// terminalStatuses are permanent; no further transition is accepted once a
// CallLog reaches one.
var terminalStatuses = map[CallStatus]bool{
	CallCompleted: true,
	CallFailed:    true,
	CallBusy:      true,
	CallNoAnswer:  true,
	CallCanceled:  true,
}

// IsTerminal reports whether status is a terminal CallLog state.
func IsTerminal(status CallStatus) bool { return terminalStatuses[status] }

// CallLogRow is a call-log entity.
type CallLogRow struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	InitiatedBy     string
	LeadRef         *string
	AgentRef        int64
	VoiceRef        *uuid.UUID
	FromNumber      *string
	ToCountryCode   string
	ToBaseNumber    string
	Direction       string
	Status          CallStatus
	ProviderCallID  *string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int
	RecordingURL    *string
	CostCredits     *int64
	Currency        string
	Metadata        json.RawMessage
	BatchRef        *uuid.UUID
	BatchEntryRef   *uuid.UUID
	CreatedAt       time.Time
}

// CallLogRepo provides access to call-log rows. Every status-mutating
// method here also fires a PostgreSQL AFTER UPDATE trigger
// (notify_call_log_change, shipped as a tenant migration) inside the same
// transaction as the update: the trigger is the change-notification
// mechanism, not an explicit Go-side publish.
type CallLogRepo struct {
	db DBTX
}

// NewCallLogRepo creates a CallLogRepo.
func NewCallLogRepo(db DBTX) *CallLogRepo {
	return &CallLogRepo{db: db}
}

const callLogColumns = `id, tenant_id, initiated_by, lead_ref, agent_id, voice_id, from_number,
	to_country_code, to_base_number, direction, status, provider_call_id,
	started_at, ended_at, duration_seconds, recording_url, cost_credits, currency,
	metadata, batch_id, batch_entry_id, created_at`

func scanCallLogRow(row pgx.Row) (CallLogRow, error) {
	var c CallLogRow
	err := row.Scan(
		&c.ID, &c.TenantID, &c.InitiatedBy, &c.LeadRef, &c.AgentRef, &c.VoiceRef, &c.FromNumber,
		&c.ToCountryCode, &c.ToBaseNumber, &c.Direction, &c.Status, &c.ProviderCallID,
		&c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.RecordingURL, &c.CostCredits, &c.Currency,
		&c.Metadata, &c.BatchRef, &c.BatchEntryRef, &c.CreatedAt,
	)
	return c, err
}

// CreateParams holds the fields needed to insert a queued call-log.
type CreateParams struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	InitiatedBy   string
	LeadRef       *string
	AgentRef      int64
	VoiceRef      *uuid.UUID
	FromNumber    *string
	ToCountryCode string
	ToBaseNumber  string
	Direction     string
	Currency      string
	Metadata      json.RawMessage
	BatchRef      *uuid.UUID
	BatchEntryRef *uuid.UUID
}

// Create inserts a call-log row in status "queued" using a caller-supplied
// id, since that id doubles as the provider idempotency key.
func (r *CallLogRepo) Create(ctx context.Context, p CreateParams) (CallLogRow, error) {
	if p.Metadata == nil {
		p.Metadata = json.RawMessage(`{}`)
	}
	const q = `INSERT INTO call_logs (
		id, tenant_id, initiated_by, lead_ref, agent_id, voice_id, from_number,
		to_country_code, to_base_number, direction, status, started_at, currency,
		metadata, batch_id, batch_entry_id
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'queued', now(), $11, $12, $13, $14)
	RETURNING ` + callLogColumns
	row := r.db.QueryRow(ctx, q,
		p.ID, p.TenantID, p.InitiatedBy, p.LeadRef, p.AgentRef, p.VoiceRef, p.FromNumber,
		p.ToCountryCode, p.ToBaseNumber, p.Direction, p.Currency, p.Metadata, p.BatchRef, p.BatchEntryRef,
	)
	out, err := scanCallLogRow(row)
	if err != nil {
		return CallLogRow{}, fmt.Errorf("creating call log: %w", err)
	}
	return out, nil
}

// Get returns a single call-log by id, tenant-scoped.
func (r *CallLogRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (CallLogRow, error) {
	const q = `SELECT ` + callLogColumns + ` FROM call_logs WHERE tenant_id = $1 AND id = $2`
	return scanCallLogRow(r.db.QueryRow(ctx, q, tenantID, id))
}

// ErrTerminalTransition is returned when a transition is attempted on a
// call-log already in a terminal state, or the provider call id changes
// after being set.
var ErrTerminalTransition = fmt.Errorf("conflict: call log is in a terminal state")

// UpdateProviderAccepted records the provider's call id and initial status
// (ringing or in-progress) after a successful place-call.
// The WHERE clause rejects the update if the row has since reached a
// terminal state (out-of-order callback).
func (r *CallLogRepo) UpdateProviderAccepted(ctx context.Context, tenantID, id uuid.UUID, providerCallID string, status CallStatus) (CallLogRow, error) {
	const q = `UPDATE call_logs SET provider_call_id = $3, status = $4, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		  AND status NOT IN ('completed','failed','busy','no-answer','canceled')
		RETURNING ` + callLogColumns
	row := r.db.QueryRow(ctx, q, tenantID, id, providerCallID, status)
	out, err := scanCallLogRow(row)
	if err == pgx.ErrNoRows {
		return CallLogRow{}, ErrTerminalTransition
	}
	if err != nil {
		return CallLogRow{}, fmt.Errorf("updating call log to provider-accepted: %w", err)
	}
	return out, nil
}

// TransitionParams describes a status transition, optionally settling cost
// and ending the call.
type TransitionParams struct {
	TenantID        uuid.UUID
	ID              uuid.UUID
	Status          CallStatus
	ErrorDetail     json.RawMessage
	DurationSeconds *int
	CostCredits     *int64
	RecordingURL    *string
	EndNow          bool
}

// Transition moves a call-log to a new status. It rejects the update (and
// returns ErrTerminalTransition) if the row is already terminal, enforcing
// the status state machine with a single conditional UPDATE.
func (r *CallLogRepo) Transition(ctx context.Context, p TransitionParams) (CallLogRow, error) {
	var endedAt *time.Time
	if p.EndNow || IsTerminal(p.Status) {
		now := time.Now()
		endedAt = &now
	}

	const q = `UPDATE call_logs SET
		status = $3,
		ended_at = COALESCE($4, ended_at),
		duration_seconds = COALESCE($5, duration_seconds),
		cost_credits = COALESCE($6, cost_credits),
		recording_url = COALESCE($7, recording_url),
		metadata = CASE WHEN $8::jsonb IS NULL THEN metadata ELSE metadata || jsonb_build_object('last_error', $8::jsonb) END,
		updated_at = now()
	WHERE tenant_id = $1 AND id = $2
	  AND status NOT IN ('completed','failed','busy','no-answer','canceled')
	RETURNING ` + callLogColumns

	row := r.db.QueryRow(ctx, q, p.TenantID, p.ID, p.Status, endedAt, p.DurationSeconds, p.CostCredits, p.RecordingURL, p.ErrorDetail)
	out, err := scanCallLogRow(row)
	if err == pgx.ErrNoRows {
		return CallLogRow{}, ErrTerminalTransition
	}
	if err != nil {
		return CallLogRow{}, fmt.Errorf("transitioning call log: %w", err)
	}
	return out, nil
}

// CallLogListFilters narrows call-log listings (e.g. by batch).
type CallLogListFilters struct {
	BatchRef *uuid.UUID
}

// ListPaged returns call-logs for a tenant with offset pagination and the
// total matching row count.
func (r *CallLogRepo) ListPaged(ctx context.Context, tenantID uuid.UUID, f CallLogListFilters, limit, offset int) ([]CallLogRow, int, error) {
	where := "tenant_id = $1"
	args := []any{tenantID}
	if f.BatchRef != nil {
		where += " AND batch_id = $2"
		args = append(args, *f.BatchRef)
	}

	countQ := fmt.Sprintf(`SELECT count(*) FROM call_logs WHERE %s`, where)
	var total int
	if err := r.db.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call logs: %w", err)
	}

	argN := len(args) + 1
	listQ := fmt.Sprintf(`SELECT %s FROM call_logs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		callLogColumns, where, argN, argN+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, listQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call logs: %w", err)
	}
	defer rows.Close()

	var out []CallLogRow
	for rows.Next() {
		c, err := func() (CallLogRow, error) {
			return scanCallLogRowFromRows(rows)
		}()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func scanCallLogRowFromRows(rows pgx.Rows) (CallLogRow, error) {
	var c CallLogRow
	err := rows.Scan(
		&c.ID, &c.TenantID, &c.InitiatedBy, &c.LeadRef, &c.AgentRef, &c.VoiceRef, &c.FromNumber,
		&c.ToCountryCode, &c.ToBaseNumber, &c.Direction, &c.Status, &c.ProviderCallID,
		&c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.RecordingURL, &c.CostCredits, &c.Currency,
		&c.Metadata, &c.BatchRef, &c.BatchEntryRef, &c.CreatedAt,
	)
	if err != nil {
		return CallLogRow{}, fmt.Errorf("scanning call log row: %w", err)
	}
	return c, nil
}

// GetEnriched fetches a call-log joined with its agent name and batch-entry
// retry count, for the change notifier's fan-out.
func (r *CallLogRepo) GetEnriched(ctx context.Context, tenantID, id uuid.UUID) (EnrichedCallLog, error) {
	const q = `SELECT c.id, c.tenant_id, c.status, c.agent_id, a.name,
		c.to_country_code, c.to_base_number, c.duration_seconds, c.cost_credits,
		c.batch_id, c.batch_entry_id, c.updated_at
		FROM call_logs c
		LEFT JOIN voice_agents a ON a.id = c.agent_id AND a.tenant_id = c.tenant_id
		WHERE c.tenant_id = $1 AND c.id = $2`
	var e EnrichedCallLog
	err := r.db.QueryRow(ctx, q, tenantID, id).Scan(
		&e.ID, &e.TenantID, &e.Status, &e.AgentRef, &e.AgentName,
		&e.ToCountryCode, &e.ToBaseNumber, &e.DurationSeconds, &e.CostCredits,
		&e.BatchRef, &e.BatchEntryRef, &e.UpdatedAt,
	)
	if err != nil {
		return EnrichedCallLog{}, fmt.Errorf("getting enriched call log: %w", err)
	}
	return e, nil
}

// EnrichedCallLog is the CDC fan-out payload: a call-log joined with just
// enough context for a subscriber to render it without a second fetch.
type EnrichedCallLog struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	Status          CallStatus `json:"status"`
	AgentRef        int64      `json:"agent_id"`
	AgentName       *string    `json:"agent_name,omitempty"`
	ToCountryCode   string     `json:"to_country_code"`
	ToBaseNumber    string     `json:"to_base_number"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	CostCredits     *int64     `json:"cost_credits,omitempty"`
	BatchRef        *uuid.UUID `json:"batch_id,omitempty"`
	BatchEntryRef   *uuid.UUID `json:"batch_entry_id,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
