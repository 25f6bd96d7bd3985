package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WalletRow is a tenant's prepaid credit balance. Balance is stored as
// integer credit-cents to keep arithmetic exact; 1 credit == 100 units.
type WalletRow struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	CurrentBalance int64
}

// WalletRepo provides access to per-tenant wallets.
type WalletRepo struct {
	db DBTX
}

// NewWalletRepo creates a WalletRepo.
func NewWalletRepo(db DBTX) *WalletRepo {
	return &WalletRepo{db: db}
}

// Get returns the wallet for a tenant.
func (r *WalletRepo) Get(ctx context.Context, tenantID uuid.UUID) (WalletRow, error) {
	const q = `SELECT id, tenant_id, current_balance FROM wallets WHERE tenant_id = $1`
	var w WalletRow
	err := r.db.QueryRow(ctx, q, tenantID).Scan(&w.ID, &w.TenantID, &w.CurrentBalance)
	if err != nil {
		return WalletRow{}, err // pgx.ErrNoRows means "no-wallet"
	}
	return w, nil
}

// Create inserts a zero-balance wallet for a newly provisioned tenant.
func (r *WalletRepo) Create(ctx context.Context, tenantID uuid.UUID) (WalletRow, error) {
	const q = `INSERT INTO wallets (tenant_id, current_balance) VALUES ($1, 0) RETURNING id`
	var w WalletRow
	w.TenantID = tenantID
	if err := r.db.QueryRow(ctx, q, tenantID).Scan(&w.ID); err != nil {
		return WalletRow{}, fmt.Errorf("creating wallet: %w", err)
	}
	return w, nil
}

// Debit atomically reduces the balance by amount, failing (zero rows) if
// doing so would take it negative. Returns the balance before and after.
// The WHERE clause makes the check and the mutation a single atomic
// statement.
func (r *WalletRepo) Debit(ctx context.Context, tenantID uuid.UUID, amount int64) (walletID uuid.UUID, before, after int64, err error) {
	const q = `UPDATE wallets SET current_balance = current_balance - $2, updated_at = now()
		WHERE tenant_id = $1 AND current_balance >= $2
		RETURNING id, current_balance + $2, current_balance`
	err = r.db.QueryRow(ctx, q, tenantID, amount).Scan(&walletID, &before, &after)
	if err == pgx.ErrNoRows {
		return uuid.Nil, 0, 0, ErrInsufficientFunds
	}
	if err != nil {
		return uuid.Nil, 0, 0, fmt.Errorf("debiting wallet: %w", err)
	}
	return walletID, before, after, nil
}

// Credit atomically increases the balance by amount (used by refund,
// adjust, and the external credit-credit top-up operation). Returns the
// balance before and after. Fails with ErrNoWallet if the wallet doesn't
// exist yet.
func (r *WalletRepo) Credit(ctx context.Context, tenantID uuid.UUID, amount int64) (walletID uuid.UUID, before, after int64, err error) {
	const q = `UPDATE wallets SET current_balance = current_balance + $2, updated_at = now()
		WHERE tenant_id = $1
		RETURNING id, current_balance - $2, current_balance`
	err = r.db.QueryRow(ctx, q, tenantID, amount).Scan(&walletID, &before, &after)
	if err == pgx.ErrNoRows {
		return uuid.Nil, 0, 0, ErrNoWallet
	}
	if err != nil {
		return uuid.Nil, 0, 0, fmt.Errorf("crediting wallet: %w", err)
	}
	return walletID, before, after, nil
}
