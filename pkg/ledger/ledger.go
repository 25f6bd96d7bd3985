// Package ledger implements the append-only credit ledger that backs every
// tenant's prepaid call-minute balance.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicecall/orchestrator/pkg/store"
)

// ErrInvalidAmount is returned when a caller passes a non-positive amount
// to debit or refund.
var ErrInvalidAmount = errors.New("invalid-amount")

// Entry is the public view of a ledger row returned to callers.
type Entry struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	WalletID       uuid.UUID
	Kind           store.LedgerKind
	Amount         int64
	BalanceBefore  int64
	BalanceAfter   int64
	ReferenceKind  string
	ReferenceID    string
	Description    string
	Metadata       json.RawMessage
	IdempotencyKey string
}

func entryFromRow(r store.LedgerEntryRow) Entry {
	return Entry{
		ID: r.ID, TenantID: r.TenantID, WalletID: r.WalletID, Kind: r.Kind,
		Amount: r.Amount, BalanceBefore: r.BalanceBefore, BalanceAfter: r.BalanceAfter,
		ReferenceKind: r.ReferenceKind, ReferenceID: r.ReferenceID,
		Description: r.Description, Metadata: r.Metadata, IdempotencyKey: r.IdempotencyKey,
	}
}

// conn is what Ledger needs from its underlying connection: enough to run
// plain queries directly (balance reads, idempotent replay, campaign
// summaries) and enough to open a transaction for the mutating operations.
// *pgxpool.Pool and *pgxpool.Conn both satisfy it.
type conn interface {
	store.DBTX
	store.Beginner
}

// Ledger provides transactional, idempotent debit/refund/adjust against a
// per-tenant wallet, with an append-only audit trail.
type Ledger struct {
	db      conn
	logger  *slog.Logger
	counter *prometheus.CounterVec
}

// New creates a Ledger. db is normally the tenant-scoped pooled connection
// handed out by the tenant middleware.
func New(db conn, logger *slog.Logger, counter *prometheus.CounterVec) *Ledger {
	return &Ledger{db: db, logger: logger, counter: counter}
}

func (l *Ledger) observe(kind, outcome string) {
	if l.counter != nil {
		l.counter.WithLabelValues(kind, outcome).Inc()
	}
}

// Balance returns a tenant's current wallet balance.
func (l *Ledger) Balance(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	wallets := store.NewWalletRepo(l.db)
	w, err := wallets.Get(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	return w.CurrentBalance, nil
}

// Debit runs a single transaction that atomically checks-and-decrements
// the wallet, appends a ledger row, and best-effort bumps the referenced
// batch's aggregate columns.
func (l *Ledger) Debit(ctx context.Context, tenantID uuid.UUID, amount int64, referenceKind, referenceID, description string, metadata json.RawMessage, idempotencyKey string) (Entry, error) {
	if amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("beginning debit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	wallets := store.NewWalletRepo(tx)
	walletID, before, after, err := wallets.Debit(ctx, tenantID, amount)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			l.observe("debit", "insufficient-funds")
			return Entry{}, store.ErrInsufficientFunds
		}
		return Entry{}, err
	}

	ledgerRepo := store.NewLedgerRepo(tx)
	row, err := ledgerRepo.Insert(ctx, store.LedgerEntryRow{
		TenantID: tenantID, WalletID: walletID, Kind: store.LedgerDebit, Amount: amount,
		BalanceBefore: before, BalanceAfter: after,
		ReferenceKind: referenceKind, ReferenceID: referenceID,
		Description: description, Metadata: metadata, IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		if errors.Is(err, store.ErrIdempotentConflict) {
			tx.Rollback(ctx)
			return l.replayByKey(ctx, tenantID, idempotencyKey)
		}
		return Entry{}, fmt.Errorf("recording debit: %w", err)
	}

	if referenceKind == "batch" {
		if err := ledgerRepo.BumpBatchAggregate(ctx, uuid.MustParse(referenceID), amount); err != nil {
			l.logger.Warn("failed to bump batch aggregate", "batch", referenceID, "error", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("committing debit: %w", err)
	}
	l.observe("debit", "ok")
	return entryFromRow(row), nil
}

// Refund mirrors Debit with a positive credit. It never creates a wallet:
// a missing wallet yields store.ErrNoWallet.
func (l *Ledger) Refund(ctx context.Context, tenantID uuid.UUID, amount int64, referenceKind, referenceID, reason string, metadata json.RawMessage, idempotencyKey string) (Entry, error) {
	if amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	return l.credit(ctx, tenantID, amount, store.LedgerRefund, referenceKind, referenceID, reason, metadata, idempotencyKey)
}

// Adjust records a signed ops-tool correction. Positive amounts credit the
// wallet; negative amounts debit it, subject to the same
// insufficient-funds guard as Debit.
func (l *Ledger) Adjust(ctx context.Context, tenantID uuid.UUID, signedAmount int64, reason string, metadata json.RawMessage, idempotencyKey string) (Entry, error) {
	if signedAmount == 0 {
		return Entry{}, ErrInvalidAmount
	}
	if signedAmount < 0 {
		return l.debitAs(ctx, tenantID, -signedAmount, store.LedgerAdjust, "adjustment", idempotencyKey, "adjustment", reason, metadata, idempotencyKey)
	}
	return l.credit(ctx, tenantID, signedAmount, store.LedgerAdjust, "adjustment", idempotencyKey, reason, metadata, idempotencyKey)
}

func (l *Ledger) debitAs(ctx context.Context, tenantID uuid.UUID, amount int64, kind store.LedgerKind, referenceKind, referenceID, _ string, reason string, metadata json.RawMessage, idempotencyKey string) (Entry, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("beginning adjust transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	wallets := store.NewWalletRepo(tx)
	walletID, before, after, err := wallets.Debit(ctx, tenantID, amount)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			l.observe("adjust", "insufficient-funds")
			return Entry{}, store.ErrInsufficientFunds
		}
		return Entry{}, err
	}

	ledgerRepo := store.NewLedgerRepo(tx)
	row, err := ledgerRepo.Insert(ctx, store.LedgerEntryRow{
		TenantID: tenantID, WalletID: walletID, Kind: kind, Amount: amount,
		BalanceBefore: before, BalanceAfter: after,
		ReferenceKind: referenceKind, ReferenceID: referenceID,
		Description: reason, Metadata: metadata, IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		if errors.Is(err, store.ErrIdempotentConflict) {
			tx.Rollback(ctx)
			return l.replayByKey(ctx, tenantID, idempotencyKey)
		}
		return Entry{}, fmt.Errorf("recording adjustment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("committing adjustment: %w", err)
	}
	l.observe("adjust", "ok")
	return entryFromRow(row), nil
}

func (l *Ledger) credit(ctx context.Context, tenantID uuid.UUID, amount int64, kind store.LedgerKind, referenceKind, referenceID, description string, metadata json.RawMessage, idempotencyKey string) (Entry, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("beginning credit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	wallets := store.NewWalletRepo(tx)
	walletID, before, after, err := wallets.Credit(ctx, tenantID, amount)
	if err != nil {
		if errors.Is(err, store.ErrNoWallet) {
			l.observe(string(kind), "no-wallet")
			return Entry{}, store.ErrNoWallet
		}
		return Entry{}, err
	}

	ledgerRepo := store.NewLedgerRepo(tx)
	row, err := ledgerRepo.Insert(ctx, store.LedgerEntryRow{
		TenantID: tenantID, WalletID: walletID, Kind: kind, Amount: amount,
		BalanceBefore: before, BalanceAfter: after,
		ReferenceKind: referenceKind, ReferenceID: referenceID,
		Description: description, Metadata: metadata, IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		if errors.Is(err, store.ErrIdempotentConflict) {
			tx.Rollback(ctx)
			return l.replayByKey(ctx, tenantID, idempotencyKey)
		}
		return Entry{}, fmt.Errorf("recording %s: %w", kind, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("committing %s: %w", kind, err)
	}
	l.observe(string(kind), "ok")
	return entryFromRow(row), nil
}

func (l *Ledger) replayByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (Entry, error) {
	ledgerRepo := store.NewLedgerRepo(l.db)
	row, err := ledgerRepo.GetByIdempotencyKey(ctx, tenantID, idempotencyKey)
	if err != nil {
		return Entry{}, fmt.Errorf("replaying idempotent entry: %w", err)
	}
	l.observe("replay", "ok")
	return entryFromRow(row), nil
}

// CampaignSummary reports aggregate ledger activity for a batch/campaign
// reference id.
func (l *Ledger) CampaignSummary(ctx context.Context, referenceID string) (store.CampaignSummaryRow, error) {
	ledgerRepo := store.NewLedgerRepo(l.db)
	return ledgerRepo.CampaignSummary(ctx, referenceID)
}
