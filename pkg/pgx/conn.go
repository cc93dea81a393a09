// Package pgx holds the PostgreSQL connection plumbing shared by the schema cache and
// the PostgreSQL store.
package pgx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is satisfied by *pgx.Conn, *pgxpool.Pool, *pgxpool.Conn and pgx.Tx, so query code
// runs unchanged inside or outside a transaction.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// Begin starts a transaction, or a savepoint when called on a pgx.Tx.
	Begin(ctx context.Context) (pgx.Tx, error)
}
