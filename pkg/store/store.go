// Package store provides typed, tenant-scoped data access over PostgreSQL.
// Every repository method takes an explicit DBTX so callers can pass a bare
// pool, a tenant-scoped pooled connection (search_path already set by
// pkg/tenant's middleware), or a transaction — the repository itself never
// opens a connection or cares which schema it lands in.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal pgx surface every repository needs. *pgxpool.Pool,
// *pgxpool.Conn, and pgx.Tx all satisfy it, so a repository built on a
// transaction works identically to one built directly on the pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner is satisfied by anything that can start a transaction:
// *pgxpool.Pool and *pgxpool.Conn both implement it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
