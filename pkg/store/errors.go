package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors returned by the wallet/ledger repositories. pkg/ledger
// maps these onto its own typed error kinds.
var (
	ErrInsufficientFunds  = errors.New("insufficient-funds")
	ErrNoWallet           = errors.New("no-wallet")
	ErrIdempotentConflict = errors.New("idempotent-replay")
)

// asPgError unwraps err into a *pgconn.PgError if it is (or wraps) one.
func asPgError(err error, target **pgconn.PgError) bool {
	return errors.As(err, target)
}
