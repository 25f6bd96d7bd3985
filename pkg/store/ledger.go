package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// LedgerKind enumerates the append-only ledger's entry kinds.
type LedgerKind string

const (
	LedgerDebit  LedgerKind = "debit"
	LedgerCredit LedgerKind = "credit"
	LedgerRefund LedgerKind = "refund"
	LedgerAdjust LedgerKind = "adjustment"
)

// LedgerEntryRow is an append-only ledger row.
type LedgerEntryRow struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	WalletID       uuid.UUID
	Kind           LedgerKind
	Amount         int64
	BalanceBefore  int64
	BalanceAfter   int64
	ReferenceKind  string
	ReferenceID    string
	Description    string
	Metadata       json.RawMessage
	IdempotencyKey string
	CreatedAt      time.Time
}

// LedgerRepo provides access to the append-only ledger.
type LedgerRepo struct {
	db DBTX
}

// NewLedgerRepo creates a LedgerRepo.
func NewLedgerRepo(db DBTX) *LedgerRepo {
	return &LedgerRepo{db: db}
}

const ledgerColumns = `id, tenant_id, wallet_id, kind, amount, balance_before, balance_after,
	reference_kind, reference_id, description, metadata, idempotency_key, created_at`

func scanLedgerRow(row pgx.Row) (LedgerEntryRow, error) {
	var e LedgerEntryRow
	err := row.Scan(&e.ID, &e.TenantID, &e.WalletID, &e.Kind, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
		&e.ReferenceKind, &e.ReferenceID, &e.Description, &e.Metadata, &e.IdempotencyKey, &e.CreatedAt)
	return e, err
}

// Insert writes a new ledger row. On an idempotency-key conflict (unique
// per tenant) it returns ErrIdempotentConflict so the caller (pkg/ledger)
// can re-read and return the prior entry.
func (r *LedgerRepo) Insert(ctx context.Context, e LedgerEntryRow) (LedgerEntryRow, error) {
	const q = `INSERT INTO ledger_entries (
		tenant_id, wallet_id, kind, amount, balance_before, balance_after,
		reference_kind, reference_id, description, metadata, idempotency_key
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING ` + ledgerColumns
	row := r.db.QueryRow(ctx, q,
		e.TenantID, e.WalletID, e.Kind, e.Amount, e.BalanceBefore, e.BalanceAfter,
		e.ReferenceKind, e.ReferenceID, e.Description, e.Metadata, e.IdempotencyKey,
	)
	out, err := scanLedgerRow(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if isUniqueViolation(err, &pgErr) {
			return LedgerEntryRow{}, ErrIdempotentConflict
		}
		return LedgerEntryRow{}, fmt.Errorf("inserting ledger entry: %w", err)
	}
	return out, nil
}

// GetByIdempotencyKey returns the prior ledger entry for a tenant+key pair,
// used to satisfy an idempotent replay.
func (r *LedgerRepo) GetByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (LedgerEntryRow, error) {
	const q = `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE tenant_id = $1 AND idempotency_key = $2`
	return scanLedgerRow(r.db.QueryRow(ctx, q, tenantID, key))
}

// Balance computes the sum of signed ledger amounts for a wallet, used to
// cross-check the wallets table against the append-only ledger.
func (r *LedgerRepo) Balance(ctx context.Context, walletID uuid.UUID) (int64, error) {
	const q = `SELECT COALESCE(SUM(
		CASE WHEN kind = 'debit' OR balance_after < balance_before THEN -amount ELSE amount END
	), 0) FROM ledger_entries WHERE wallet_id = $1`
	var sum int64
	if err := r.db.QueryRow(ctx, q, walletID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("summing ledger entries: %w", err)
	}
	return sum, nil
}

// CampaignSummaryRow is the aggregate returned by campaign-summary.
type CampaignSummaryRow struct {
	Total   int64
	Count   int64
	ByUsage map[string]int64
}

// CampaignSummary aggregates ledger entries referencing a batch/campaign id.
func (r *LedgerRepo) CampaignSummary(ctx context.Context, referenceID string) (CampaignSummaryRow, error) {
	const q = `SELECT kind, COALESCE(SUM(amount), 0), COUNT(*)
		FROM ledger_entries WHERE reference_id = $1 GROUP BY kind`
	rows, err := r.db.Query(ctx, q, referenceID)
	if err != nil {
		return CampaignSummaryRow{}, fmt.Errorf("summarizing campaign %s: %w", referenceID, err)
	}
	defer rows.Close()

	out := CampaignSummaryRow{ByUsage: make(map[string]int64)}
	for rows.Next() {
		var kind string
		var amount, count int64
		if err := rows.Scan(&kind, &amount, &count); err != nil {
			return CampaignSummaryRow{}, fmt.Errorf("scanning campaign summary row: %w", err)
		}
		out.ByUsage[kind] = amount
		out.Total += amount
		out.Count += count
	}
	return out, rows.Err()
}

// BumpBatchAggregate updates the best-effort aggregate JSON columns on a
// batch row. Failure here is logged by the caller, never
// fatal — the ledger remains authoritative.
func (r *LedgerRepo) BumpBatchAggregate(ctx context.Context, batchID uuid.UUID, amount int64) error {
	const q = `UPDATE batches SET
		total_credits_deducted = COALESCE(total_credits_deducted, 0) + $2,
		last_credit_update = now()
		WHERE id = $1`
	_, err := r.db.Exec(ctx, q, batchID, amount)
	return err
}

func isUniqueViolation(err error, target **pgconn.PgError) bool {
	var pgErr *pgconn.PgError
	if ok := asPgError(err, &pgErr); ok && pgErr.Code == "23505" {
		*target = pgErr
		return true
	}
	return false
}
