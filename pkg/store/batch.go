package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// BatchStatus enumerates the Batch state machine.
type BatchStatus string

const (
	BatchPending  BatchStatus = "pending"
	BatchRunning  BatchStatus = "running"
	BatchFinished BatchStatus = "finished"
	BatchCanceled BatchStatus = "canceled"
	BatchFailed   BatchStatus = "failed"
)

// BatchRow is a batch entity.
type BatchRow struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Status         BatchStatus
	TotalCalls     int
	CompletedCalls int
	FailedCalls    int
	InitiatedBy    string
	AgentRef       int64
	ScheduledAt    time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Metadata       json.RawMessage
	Canceling      bool
}

// BatchEntryRow is a single entry within a batch.
type BatchEntryRow struct {
	ID         uuid.UUID
	BatchRef   uuid.UUID
	TenantID   uuid.UUID
	ToPhone    string
	LeadRef    *string
	LeadName   *string
	Status     string
	CallLogRef *uuid.UUID
	LastError  *string
	RetryCount int
}

// BatchRepo provides access to batches and batch entries.
type BatchRepo struct {
	db DBTX
}

// NewBatchRepo creates a BatchRepo.
func NewBatchRepo(db DBTX) *BatchRepo {
	return &BatchRepo{db: db}
}

const batchColumns = `id, tenant_id, status, total_calls, completed_calls, failed_calls,
	initiated_by, agent_id, scheduled_at, started_at, finished_at, metadata, canceling`

func scanBatchRow(row pgx.Row) (BatchRow, error) {
	var b BatchRow
	err := row.Scan(&b.ID, &b.TenantID, &b.Status, &b.TotalCalls, &b.CompletedCalls, &b.FailedCalls,
		&b.InitiatedBy, &b.AgentRef, &b.ScheduledAt, &b.StartedAt, &b.FinishedAt, &b.Metadata, &b.Canceling)
	return b, err
}

// CreateBatchParams holds the fields needed to insert a pending batch and
// its entries in one call.
type CreateBatchParams struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	InitiatedBy string
	AgentRef    int64
	Metadata    json.RawMessage
	Entries     []NewBatchEntry
}

// NewBatchEntry is one entry to seed at batch creation.
type NewBatchEntry struct {
	ID       uuid.UUID
	ToPhone  string
	LeadRef  *string
	LeadName *string
}

// CreateBatch inserts a batch row in status "pending" and one batch-entry
// row per entry, in a single transaction (the caller is expected to pass a
// pgx.Tx as db). total-calls is set from len(entries).
func (r *BatchRepo) CreateBatch(ctx context.Context, p CreateBatchParams) (BatchRow, error) {
	if p.Metadata == nil {
		p.Metadata = json.RawMessage(`{}`)
	}
	const insertBatch = `INSERT INTO batches (
		id, tenant_id, status, total_calls, completed_calls, failed_calls,
		initiated_by, agent_id, scheduled_at, metadata
	) VALUES ($1, $2, 'pending', $3, 0, 0, $4, $5, now(), $6)
	RETURNING ` + batchColumns
	row := r.db.QueryRow(ctx, insertBatch, p.ID, p.TenantID, len(p.Entries), p.InitiatedBy, p.AgentRef, p.Metadata)
	batch, err := scanBatchRow(row)
	if err != nil {
		return BatchRow{}, fmt.Errorf("creating batch: %w", err)
	}

	const insertEntry = `INSERT INTO batch_entries (id, batch_id, tenant_id, to_phone, lead_ref, lead_name, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0)`
	for _, e := range p.Entries {
		if _, err := r.db.Exec(ctx, insertEntry, e.ID, p.ID, p.TenantID, e.ToPhone, e.LeadRef, e.LeadName); err != nil {
			return BatchRow{}, fmt.Errorf("creating batch entry: %w", err)
		}
	}

	return batch, nil
}

// Get returns a single batch, tenant-scoped.
func (r *BatchRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (BatchRow, error) {
	const q = `SELECT ` + batchColumns + ` FROM batches WHERE tenant_id = $1 AND id = $2`
	return scanBatchRow(r.db.QueryRow(ctx, q, tenantID, id))
}

// ListPaged returns batches for a tenant with offset pagination.
func (r *BatchRepo) ListPaged(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]BatchRow, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM batches WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting batches: %w", err)
	}

	const q = `SELECT ` + batchColumns + ` FROM batches WHERE tenant_id = $1 ORDER BY scheduled_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, q, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRow
	for rows.Next() {
		var b BatchRow
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Status, &b.TotalCalls, &b.CompletedCalls, &b.FailedCalls,
			&b.InitiatedBy, &b.AgentRef, &b.ScheduledAt, &b.StartedAt, &b.FinishedAt, &b.Metadata, &b.Canceling); err != nil {
			return nil, 0, fmt.Errorf("scanning batch row: %w", err)
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

// MarkRunning transitions a batch from pending to running.
func (r *BatchRepo) MarkRunning(ctx context.Context, tenantID, id uuid.UUID) error {
	const q = `UPDATE batches SET status = 'running', started_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'`
	_, err := r.db.Exec(ctx, q, tenantID, id)
	return err
}

// FlagCanceling sets the best-effort cancellation flag checked by the
// worker pool between entries.
func (r *BatchRepo) FlagCanceling(ctx context.Context, tenantID, id uuid.UUID) (BatchRow, error) {
	const q = `UPDATE batches SET canceling = true
		WHERE tenant_id = $1 AND id = $2 AND status IN ('pending','running')
		RETURNING ` + batchColumns
	row := r.db.QueryRow(ctx, q, tenantID, id)
	out, err := scanBatchRow(row)
	if err == pgx.ErrNoRows {
		return BatchRow{}, ErrBatchTerminal
	}
	if err != nil {
		return BatchRow{}, fmt.Errorf("flagging batch for cancellation: %w", err)
	}
	return out, nil
}

// ErrBatchTerminal is returned when a cancel is attempted on an already
// terminal batch; the cancel surfaces as a conflict and changes no rows.
var ErrBatchTerminal = fmt.Errorf("conflict: batch is already terminal")

// IncrementCounters atomically bumps completed/failed counters by the given
// deltas (the cancel paths pass every canceled entry at once as
// failedDelta) and transitions the batch to a terminal status once
// completed+failed reaches total. Returns the updated row.
func (r *BatchRepo) IncrementCounters(ctx context.Context, tenantID, id uuid.UUID, completedDelta, failedDelta int) (BatchRow, error) {
	const q = `UPDATE batches SET
		completed_calls = completed_calls + $3,
		failed_calls = failed_calls + $4,
		status = CASE
			WHEN completed_calls + $3 + failed_calls + $4 >= total_calls AND canceling THEN 'canceled'
			WHEN completed_calls + $3 + failed_calls + $4 >= total_calls THEN 'finished'
			ELSE status
		END,
		finished_at = CASE
			WHEN completed_calls + $3 + failed_calls + $4 >= total_calls THEN now()
			ELSE finished_at
		END
	WHERE tenant_id = $1 AND id = $2
	RETURNING ` + batchColumns
	row := r.db.QueryRow(ctx, q, tenantID, id, completedDelta, failedDelta)
	out, err := scanBatchRow(row)
	if err != nil {
		return BatchRow{}, fmt.Errorf("incrementing batch counters: %w", err)
	}
	return out, nil
}

// --- Batch entries ---

const batchEntryColumns = `id, batch_id, tenant_id, to_phone, lead_ref, lead_name, status, call_log_id, last_error, retry_count`

func scanBatchEntryRow(row pgx.Row) (BatchEntryRow, error) {
	var e BatchEntryRow
	err := row.Scan(&e.ID, &e.BatchRef, &e.TenantID, &e.ToPhone, &e.LeadRef, &e.LeadName, &e.Status, &e.CallLogRef, &e.LastError, &e.RetryCount)
	return e, err
}

// ListEntries returns every entry for a batch, in creation order, with
// offset pagination over entries.
func (r *BatchRepo) ListEntries(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]BatchEntryRow, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM batch_entries WHERE batch_id = $1`, batchID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting batch entries: %w", err)
	}

	const q = `SELECT ` + batchEntryColumns + ` FROM batch_entries WHERE batch_id = $1 ORDER BY id LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, q, batchID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing batch entries: %w", err)
	}
	defer rows.Close()

	var out []BatchEntryRow
	for rows.Next() {
		var e BatchEntryRow
		if err := rows.Scan(&e.ID, &e.BatchRef, &e.TenantID, &e.ToPhone, &e.LeadRef, &e.LeadName, &e.Status, &e.CallLogRef, &e.LastError, &e.RetryCount); err != nil {
			return nil, 0, fmt.Errorf("scanning batch entry row: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// ListPending returns entries not yet dispatched, for the worker pool to
// drain.
func (r *BatchRepo) ListPending(ctx context.Context, batchID uuid.UUID) ([]BatchEntryRow, error) {
	const q = `SELECT ` + batchEntryColumns + ` FROM batch_entries WHERE batch_id = $1 AND status = 'pending' ORDER BY id`
	rows, err := r.db.Query(ctx, q, batchID)
	if err != nil {
		return nil, fmt.Errorf("listing pending batch entries: %w", err)
	}
	defer rows.Close()

	var out []BatchEntryRow
	for rows.Next() {
		e, err := scanBatchEntryRowFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanBatchEntryRowFromRows(rows pgx.Rows) (BatchEntryRow, error) {
	var e BatchEntryRow
	err := rows.Scan(&e.ID, &e.BatchRef, &e.TenantID, &e.ToPhone, &e.LeadRef, &e.LeadName, &e.Status, &e.CallLogRef, &e.LastError, &e.RetryCount)
	if err != nil {
		return BatchEntryRow{}, fmt.Errorf("scanning batch entry row: %w", err)
	}
	return e, nil
}

// MarkEntryDispatching flips an entry from pending to dispatching,
// guaranteeing at most one worker claims it (used when a cancel races with
// in-flight workers).
func (r *BatchRepo) MarkEntryDispatching(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE batch_entries SET status = 'dispatching' WHERE id = $1 AND status = 'pending'`
	tag, err := r.db.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("claiming batch entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteEntry records the outcome of dispatching one entry: the
// resulting call-log reference, terminal status, and any error.
func (r *BatchRepo) CompleteEntry(ctx context.Context, id uuid.UUID, status string, callLogRef *uuid.UUID, lastError *string) error {
	const q = `UPDATE batch_entries SET status = $2, call_log_id = $3, last_error = $4 WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id, status, callLogRef, lastError)
	if err != nil {
		return fmt.Errorf("completing batch entry: %w", err)
	}
	return nil
}

// MarkEntriesCanceling transitions all still-pending entries of a batch to
// "canceling" so new dispatches stop.
func (r *BatchRepo) MarkEntriesCanceling(ctx context.Context, batchID uuid.UUID) error {
	const q = `UPDATE batch_entries SET status = 'canceling' WHERE batch_id = $1 AND status = 'pending'`
	_, err := r.db.Exec(ctx, q, batchID)
	return err
}

// CancelRemainingEntries finalises every not-yet-dispatched entry of a
// canceling batch as canceled and reports how many were affected, so the
// worker can account for them in the batch counters and let the batch
// reach its terminal state.
func (r *BatchRepo) CancelRemainingEntries(ctx context.Context, batchID uuid.UUID) (int, error) {
	const q = `UPDATE batch_entries SET status = 'canceled'
		WHERE batch_id = $1 AND status IN ('pending','canceling')`
	tag, err := r.db.Exec(ctx, q, batchID)
	if err != nil {
		return 0, fmt.Errorf("canceling remaining batch entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// BatchStatsRow aggregates a tenant's batch activity for GET /batch/stats.
type BatchStatsRow struct {
	TotalBatches   int   `json:"total_batches"`
	Pending        int   `json:"pending"`
	Running        int   `json:"running"`
	Finished       int   `json:"finished"`
	Canceled       int   `json:"canceled"`
	Failed         int   `json:"failed"`
	TotalCalls     int64 `json:"total_calls"`
	CompletedCalls int64 `json:"completed_calls"`
	FailedCalls    int64 `json:"failed_calls"`
}

// Stats returns per-tenant batch aggregates.
func (r *BatchRepo) Stats(ctx context.Context, tenantID uuid.UUID) (BatchStatsRow, error) {
	const q = `SELECT
		count(*),
		count(*) FILTER (WHERE status = 'pending'),
		count(*) FILTER (WHERE status = 'running'),
		count(*) FILTER (WHERE status = 'finished'),
		count(*) FILTER (WHERE status = 'canceled'),
		count(*) FILTER (WHERE status = 'failed'),
		COALESCE(sum(total_calls), 0),
		COALESCE(sum(completed_calls), 0),
		COALESCE(sum(failed_calls), 0)
	FROM batches WHERE tenant_id = $1`
	var s BatchStatsRow
	err := r.db.QueryRow(ctx, q, tenantID).Scan(
		&s.TotalBatches, &s.Pending, &s.Running, &s.Finished, &s.Canceled, &s.Failed,
		&s.TotalCalls, &s.CompletedCalls, &s.FailedCalls,
	)
	if err != nil {
		return BatchStatsRow{}, fmt.Errorf("reading batch stats: %w", err)
	}
	return s, nil
}

// ListUnfinished returns batches still in a non-terminal status, oldest
// first, for the coordinator's recovery sweep.
func (r *BatchRepo) ListUnfinished(ctx context.Context) ([]BatchRow, error) {
	const q = `SELECT ` + batchColumns + ` FROM batches
		WHERE status IN ('pending','running') ORDER BY scheduled_at`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing unfinished batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRow
	for rows.Next() {
		var b BatchRow
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Status, &b.TotalCalls, &b.CompletedCalls, &b.FailedCalls,
			&b.InitiatedBy, &b.AgentRef, &b.ScheduledAt, &b.StartedAt, &b.FinishedAt, &b.Metadata, &b.Canceling); err != nil {
			return nil, fmt.Errorf("scanning unfinished batch row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
