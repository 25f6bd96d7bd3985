// Package batch implements batch intake and execution: per-entry
// validation, fan-out through the call dispatcher with bounded
// parallelism, retry bookkeeping, and the batch aggregate state machine.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicecall/orchestrator/pkg/dispatch"
	"github.com/voicecall/orchestrator/pkg/ledger"
	"github.com/voicecall/orchestrator/pkg/policy"
	"github.com/voicecall/orchestrator/pkg/store"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

var (
	// ErrNoEntries is returned when a batch spec has no entries.
	ErrNoEntries = errors.New("entries-empty")

	// ErrInvalidNumber is returned when any entry's to-number is not E.164.
	// The whole batch is rejected at intake; no rows are created.
	ErrInvalidNumber = errors.New("invalid-number")
)

// DB is the connection surface the coordinator borrows per request: plain
// queries plus the ability to open a transaction.
type DB interface {
	store.DBTX
	store.Beginner
}

// Entry is one call to place within a batch.
type Entry struct {
	ToNumber          string
	LeadName          string
	LeadRef           string
	AddedContext      map[string]any
	KnowledgeBaseRefs []string
}

// CreateSpec is the validated input to Create.
type CreateSpec struct {
	TenantID     uuid.UUID
	Schema       string
	SubjectID    string
	FeatureKey   string
	VoiceRef     *uuid.UUID
	AgentRef     int64
	FromNumber   string
	AddedContext map[string]any
	InitiatedBy  string
	Timezone     string
	Entries      []Entry
}

// Config wires the coordinator's collaborators. NewDispatcher and
// NewLedger are factories because each worker runs on its own pooled
// connection; the coordinator never shares a connection across goroutines.
type Config struct {
	Pool          *pgxpool.Pool
	AggregateGate *policy.Gate
	NewDispatcher func(db DB) *dispatch.Dispatcher
	NewLedger     func(db DB) *ledger.Ledger
	MinCredits    int64
	MaxParallel   int
	Logger        *slog.Logger
	Created       prometheus.Counter
	Entries       *prometheus.CounterVec
}

type job struct {
	schema   string
	tenantID uuid.UUID
	batchID  uuid.UUID
}

// Coordinator implements BatchCoordinator. Create runs on the caller's
// tenant-scoped connection; execution happens asynchronously on the
// coordinator's own pool connections, driven by Run.
type Coordinator struct {
	pool          *pgxpool.Pool
	aggregateGate *policy.Gate
	newDispatcher func(db DB) *dispatch.Dispatcher
	newLedger     func(db DB) *ledger.Ledger
	minCredits    int64
	maxParallel   int
	logger        *slog.Logger
	created       prometheus.Counter
	entriesMetric *prometheus.CounterVec

	queue chan job
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	return &Coordinator{
		pool:          cfg.Pool,
		aggregateGate: cfg.AggregateGate,
		newDispatcher: cfg.NewDispatcher,
		newLedger:     cfg.NewLedger,
		minCredits:    cfg.MinCredits,
		maxParallel:   cfg.MaxParallel,
		logger:        cfg.Logger,
		created:       cfg.Created,
		entriesMetric: cfg.Entries,
		queue:         make(chan job, 256),
	}
}

// ValidateSpec checks the spec shape without touching the database:
// non-empty entries and E.164 to-numbers throughout.
func ValidateSpec(spec CreateSpec) error {
	if len(spec.Entries) == 0 {
		return ErrNoEntries
	}
	for i, e := range spec.Entries {
		if !e164Pattern.MatchString(e.ToNumber) {
			return fmt.Errorf("entry %d: %w: %q", i, ErrInvalidNumber, e.ToNumber)
		}
	}
	return nil
}

// Create validates the spec, applies the aggregate policy checks, inserts
// the batch and its entries in one transaction, and enqueues the batch for
// execution. The credit minimum is advisory at the aggregate level;
// per-entry enforcement happens during execution.
func (c *Coordinator) Create(ctx context.Context, db DB, spec CreateSpec) (store.BatchRow, *policy.Rejection, error) {
	if err := ValidateSpec(spec); err != nil {
		return store.BatchRow{}, nil, err
	}

	// Aggregate gate: feature-enabled, business-hours and the per-tenant
	// rate limit. It has no credit check; the advisory balance warning
	// below covers the aggregate credit view.
	_, rej, err := c.aggregateGate.Evaluate(ctx, policy.Request{
		TenantID: spec.TenantID, SubjectID: spec.SubjectID, FeatureKey: spec.FeatureKey,
		BodyTimezone: spec.Timezone,
	})
	if err != nil {
		return store.BatchRow{}, nil, fmt.Errorf("evaluating batch policy gate: %w", err)
	}
	if rej != nil {
		return store.BatchRow{}, rej, nil
	}

	if c.newLedger != nil {
		needed := int64(len(spec.Entries)) * c.minCredits
		if balance, err := c.newLedger(db).Balance(ctx, spec.TenantID); err == nil && balance < needed {
			c.logger.Warn("batch created with insufficient balance for all entries",
				"tenant_id", spec.TenantID, "balance", balance, "needed", needed)
		}
	}

	metadata, _ := json.Marshal(map[string]any{
		"feature_key":   spec.FeatureKey,
		"voice_id":      spec.VoiceRef,
		"from_number":   spec.FromNumber,
		"added_context": spec.AddedContext,
		"timezone":      spec.Timezone,
	})

	batchID := uuid.New()
	entries := make([]store.NewBatchEntry, 0, len(spec.Entries))
	for _, e := range spec.Entries {
		var leadRef, leadName *string
		if e.LeadRef != "" {
			v := e.LeadRef
			leadRef = &v
		}
		if e.LeadName != "" {
			v := e.LeadName
			leadName = &v
		}
		entries = append(entries, store.NewBatchEntry{
			ID: uuid.New(), ToPhone: e.ToNumber, LeadRef: leadRef, LeadName: leadName,
		})
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return store.BatchRow{}, nil, fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row, err := store.NewBatchRepo(tx).CreateBatch(ctx, store.CreateBatchParams{
		ID: batchID, TenantID: spec.TenantID, InitiatedBy: spec.InitiatedBy,
		AgentRef: spec.AgentRef, Metadata: metadata, Entries: entries,
	})
	if err != nil {
		return store.BatchRow{}, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.BatchRow{}, nil, fmt.Errorf("committing batch: %w", err)
	}

	if c.created != nil {
		c.created.Inc()
	}
	c.Enqueue(spec.Schema, spec.TenantID, batchID)
	return row, nil, nil
}

// Enqueue hands a batch to the execution worker. A full queue is not
// fatal: the recovery sweep re-discovers unfinished batches.
func (c *Coordinator) Enqueue(schema string, tenantID, batchID uuid.UUID) {
	select {
	case c.queue <- job{schema: schema, tenantID: tenantID, batchID: batchID}:
	default:
		c.logger.Warn("batch queue full, deferring to recovery sweep", "batch_id", batchID)
	}
}

// Get returns a batch plus a page of its entries, tenant-scoped.
func (c *Coordinator) Get(ctx context.Context, db DB, tenantID, batchID uuid.UUID, limit, offset int) (store.BatchRow, []store.BatchEntryRow, int, error) {
	repo := store.NewBatchRepo(db)
	row, err := repo.Get(ctx, tenantID, batchID)
	if err != nil {
		return store.BatchRow{}, nil, 0, err
	}
	entries, total, err := repo.ListEntries(ctx, batchID, limit, offset)
	if err != nil {
		return store.BatchRow{}, nil, 0, err
	}
	return row, entries, total, nil
}

// List returns a page of the tenant's batches.
func (c *Coordinator) List(ctx context.Context, db DB, tenantID uuid.UUID, limit, offset int) ([]store.BatchRow, int, error) {
	return store.NewBatchRepo(db).ListPaged(ctx, tenantID, limit, offset)
}

// Stats returns the tenant's batch aggregates.
func (c *Coordinator) Stats(ctx context.Context, db DB, tenantID uuid.UUID) (store.BatchStatsRow, error) {
	return store.NewBatchRepo(db).Stats(ctx, tenantID)
}

// Cancel flags the batch for cooperative cancellation and stops new entry
// dispatches. In-flight entries finish; the worker finalises the batch as
// canceled once it observes the flag. Canceling an
// already-terminal batch returns store.ErrBatchTerminal.
func (c *Coordinator) Cancel(ctx context.Context, db DB, tenantID, batchID uuid.UUID) (store.BatchRow, error) {
	repo := store.NewBatchRepo(db)
	row, err := repo.FlagCanceling(ctx, tenantID, batchID)
	if err != nil {
		if errors.Is(err, store.ErrBatchTerminal) {
			// Distinguish "already terminal" (409) from "no such batch" (404).
			if _, getErr := repo.Get(ctx, tenantID, batchID); getErr != nil {
				return store.BatchRow{}, getErr
			}
		}
		return store.BatchRow{}, err
	}
	if err := repo.MarkEntriesCanceling(ctx, batchID); err != nil {
		return store.BatchRow{}, fmt.Errorf("marking entries canceling: %w", err)
	}

	// A batch that was still pending never entered the worker loop, so
	// nothing will finalise it; settle the counters here.
	if row.Status == store.BatchPending {
		canceled, err := repo.CancelRemainingEntries(ctx, batchID)
		if err != nil {
			return store.BatchRow{}, err
		}
		if canceled > 0 {
			row, err = repo.IncrementCounters(ctx, tenantID, batchID, 0, canceled)
			if err != nil {
				return store.BatchRow{}, err
			}
		}
	}
	return row, nil
}
