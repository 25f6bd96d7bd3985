package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicecall/orchestrator/pkg/dispatch"
	"github.com/voicecall/orchestrator/pkg/ledger"
	"github.com/voicecall/orchestrator/pkg/store"
	"github.com/voicecall/orchestrator/pkg/tenant"
)

// sweepInterval is how often the worker re-scans tenant schemas for
// unfinished batches that were enqueued by a crashed process or dropped by
// a full queue.
const sweepInterval = 30 * time.Second

// Run is the batch execution worker loop. It consumes enqueued batches and
// periodically sweeps all tenant schemas for unfinished ones. It blocks
// until ctx is cancelled; in-flight entries are finished before returning
// (cancellation is checked between entries, never mid-entry).
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("batch worker started", "max_parallel", c.maxParallel)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	// Pick up batches left over from a previous process before waiting on
	// the queue.
	c.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("batch worker stopped")
			return nil
		case j := <-c.queue:
			c.execute(ctx, j)
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep iterates every active tenant's schema looking for unfinished
// batches and executes them inline.
func (c *Coordinator) sweep(ctx context.Context) {
	tenants, err := store.NewTenantRepo(c.pool).ListActive(ctx)
	if err != nil {
		c.logger.Error("sweep: listing tenants", "error", err)
		return
	}

	for _, t := range tenants {
		schema := tenant.SchemaName(t.Slug)
		unfinished, err := c.listUnfinished(ctx, schema)
		if err != nil {
			c.logger.Error("sweep: listing unfinished batches", "tenant", t.Slug, "error", err)
			continue
		}
		for _, b := range unfinished {
			c.execute(ctx, job{schema: schema, tenantID: b.TenantID, batchID: b.ID})
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (c *Coordinator) listUnfinished(ctx context.Context, schema string) ([]store.BatchRow, error) {
	conn, err := c.scopedConn(ctx, schema)
	if err != nil {
		return nil, err
	}
	defer conn.Release()
	return store.NewBatchRepo(conn).ListUnfinished(ctx)
}

// scopedConn acquires a pool connection with its search_path set to the
// given (already-validated) tenant schema.
func (c *Coordinator) scopedConn(ctx context.Context, schema string) (*pgxpool.Conn, error) {
	if err := tenant.ValidateSchemaIdentifier(schema); err != nil {
		return nil, err
	}
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring batch connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schema+", public"); err != nil {
		conn.Release()
		return nil, fmt.Errorf("setting search_path: %w", err)
	}
	return conn, nil
}

// execute drives one batch's pending entries through the dispatcher with
// bounded parallelism.
func (c *Coordinator) execute(ctx context.Context, j job) {
	coordConn, err := c.scopedConn(ctx, j.schema)
	if err != nil {
		c.logger.Error("batch execute: scoping connection", "batch_id", j.batchID, "error", err)
		return
	}
	defer coordConn.Release()

	repo := store.NewBatchRepo(coordConn)
	row, err := repo.Get(ctx, j.tenantID, j.batchID)
	if err != nil {
		c.logger.Error("batch execute: loading batch", "batch_id", j.batchID, "error", err)
		return
	}
	switch row.Status {
	case store.BatchFinished, store.BatchCanceled, store.BatchFailed:
		return
	case store.BatchPending:
		if err := repo.MarkRunning(ctx, j.tenantID, j.batchID); err != nil {
			c.logger.Error("batch execute: marking running", "batch_id", j.batchID, "error", err)
			return
		}
	}

	entries, err := repo.ListPending(ctx, j.batchID)
	if err != nil {
		c.logger.Error("batch execute: listing entries", "batch_id", j.batchID, "error", err)
		return
	}

	sem := make(chan struct{}, c.maxParallel)
	var wg sync.WaitGroup
	canceled := false

	for _, e := range entries {
		// Cooperative cancellation: checked between entries, not mid-entry.
		if ctx.Err() != nil {
			break
		}
		current, err := repo.Get(ctx, j.tenantID, j.batchID)
		if err == nil && current.Canceling {
			canceled = true
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(e store.BatchEntryRow) {
			defer wg.Done()
			defer func() { <-sem }()
			c.processEntry(ctx, j, row, e)
		}(e)
	}
	wg.Wait()

	if canceled || ctx.Err() == nil {
		// Finalise anything still undispatched (a cancel, or entries whose
		// claim was lost to a racing worker) so the counters can reach the
		// total and the batch can go terminal.
		final, err := repo.Get(ctx, j.tenantID, j.batchID)
		if err != nil {
			return
		}
		if final.Canceling && final.CompletedCalls+final.FailedCalls < final.TotalCalls {
			n, err := repo.CancelRemainingEntries(ctx, j.batchID)
			if err != nil {
				c.logger.Error("batch execute: canceling remaining entries", "batch_id", j.batchID, "error", err)
				return
			}
			if n > 0 {
				if _, err := repo.IncrementCounters(ctx, j.tenantID, j.batchID, 0, n); err != nil {
					c.logger.Error("batch execute: settling canceled counters", "batch_id", j.batchID, "error", err)
				}
			}
		}
	}
}

// processEntry dispatches a single entry on its own pooled connection:
// claim, reserve credits, dispatch, record the outcome, bump the batch
// counters, and refund the reservation when the call never went out.
func (c *Coordinator) processEntry(ctx context.Context, j job, batchRow store.BatchRow, e store.BatchEntryRow) {
	conn, err := c.scopedConn(ctx, j.schema)
	if err != nil {
		c.logger.Error("batch entry: scoping connection", "entry_id", e.ID, "error", err)
		return
	}
	defer conn.Release()

	repo := store.NewBatchRepo(conn)
	claimed, err := repo.MarkEntryDispatching(ctx, e.ID)
	if err != nil || !claimed {
		return
	}

	led := c.newLedger(conn)

	// Reserve the per-call minimum up front. Entries that never reach the
	// provider get a compensating refund below; completed calls are settled
	// for any excess cost beyond this reservation.
	if _, err := led.Debit(ctx, j.tenantID, c.minCredits, "batch", j.batchID.String(),
		"batch entry reservation", nil, "batch-entry:"+e.ID.String()); err != nil {
		c.finishEntry(ctx, repo, j, e, "failed", nil, err.Error())
		return
	}

	var meta map[string]any
	if len(batchRow.Metadata) > 0 {
		_ = json.Unmarshal(batchRow.Metadata, &meta)
	}

	req := dispatch.Request{
		TenantID:  j.tenantID,
		SubjectID: batchRow.InitiatedBy,
		ToNumber:  e.ToPhone,
		AgentRef:  batchRow.AgentRef,
		Initiator: batchRow.InitiatedBy,
		// Batch dispatches run headless; the feature key and timezone were
		// validated at intake and travel in the batch metadata.
		FeatureKey:    metaString(meta, "feature_key", "voice-agent"),
		FromNumber:    metaString(meta, "from_number", ""),
		Timezone:      metaString(meta, "timezone", ""),
		LeadName:      deref(e.LeadName),
		LeadRef:       deref(e.LeadRef),
		BatchRef:      &j.batchID,
		BatchEntryRef: &e.ID,
	}
	if v := metaUUID(meta, "voice_id"); v != nil {
		req.VoiceRef = v
	}

	res, err := c.newDispatcher(conn).Dispatch(ctx, req)
	if err != nil {
		c.refundReservation(ctx, led, j, e)
		c.finishEntry(ctx, repo, j, e, "failed", nil, err.Error())
		return
	}

	if !res.Success {
		c.refundReservation(ctx, led, j, e)
		var callLogRef *uuid.UUID
		if res.CallLogID != uuid.Nil {
			callLogRef = &res.CallLogID
		}
		c.finishEntry(ctx, repo, j, e, "failed", callLogRef, res.Error)
		return
	}

	c.finishEntry(ctx, repo, j, e, "dispatched", &res.CallLogID, "")
}

// refundReservation compensates the entry's up-front debit when the call
// was never attempted or the provider rejected it.
func (c *Coordinator) refundReservation(ctx context.Context, led *ledger.Ledger, j job, e store.BatchEntryRow) {
	if _, err := led.Refund(ctx, j.tenantID, c.minCredits, "batch", j.batchID.String(),
		"batch entry dispatch failed", nil, "batch-entry-refund:"+e.ID.String()); err != nil {
		c.logger.Error("refunding batch entry reservation", "entry_id", e.ID, "error", err)
	}
}

func (c *Coordinator) finishEntry(ctx context.Context, repo *store.BatchRepo, j job, e store.BatchEntryRow, status string, callLogRef *uuid.UUID, lastError string) {
	var errPtr *string
	if lastError != "" {
		errPtr = &lastError
	}
	if err := repo.CompleteEntry(ctx, e.ID, status, callLogRef, errPtr); err != nil {
		c.logger.Error("completing batch entry", "entry_id", e.ID, "error", err)
	}

	completed, failed := 0, 1
	if status == "dispatched" {
		completed, failed = 1, 0
	}
	if _, err := repo.IncrementCounters(ctx, j.tenantID, j.batchID, completed, failed); err != nil {
		c.logger.Error("incrementing batch counters", "batch_id", j.batchID, "error", err)
	}

	if c.entriesMetric != nil {
		c.entriesMetric.WithLabelValues(status).Inc()
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func metaString(meta map[string]any, key, fallback string) string {
	if v, ok := meta[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func metaUUID(meta map[string]any, key string) *uuid.UUID {
	v, ok := meta[key].(string)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil
	}
	return &id
}
