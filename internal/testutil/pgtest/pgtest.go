// Package pgtest connects tests to the PostgreSQL database named by TEST_DATABASE.
// Tests calling these helpers are skipped when it is unset.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

const EnvVar = "TEST_DATABASE"

// ConnString returns the test database connection string, skipping t if there is none.
func ConnString(t testing.TB) string {
	t.Helper()
	s := os.Getenv(EnvVar)
	if s == "" {
		t.Skip(EnvVar + " not set")
	}
	return s
}

// Connect creates a new database connection for testing, closed on cleanup.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		Close(t, conn)
	})
	return conn
}

// Close safely closes a database connection
func Close(t testing.TB, conn *pgx.Conn) {
	if conn.IsClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
}

// Exec runs setup statements on a fresh connection.
func Exec(t testing.TB, sql string) {
	t.Helper()
	ctx := context.Background()
	conn := Connect(ctx, t)
	_, err := conn.Exec(ctx, sql)
	require.NoError(t, err)
}

// ParseConfig returns a test connection config that logs server notices.
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	config, err := pgx.ParseConfig(ConnString(t))
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}
	return config
}
