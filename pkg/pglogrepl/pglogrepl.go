// Package pglogrepl captures row changes from the PostgreSQL write-ahead log with the
// pgoutput plugin and relays them as notify events. Publishing from the WAL sees every
// committed write, including those made outside the REST layer.
package pglogrepl

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/edgeflare/restbuddy/pkg/notify"
	"github.com/edgeflare/restbuddy/pkg/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultStandbyUpdateInterval = 10 * time.Second
	defaultBufferSize            = 1000
	defaultPublication           = "restbuddy_pub"
	defaultSlot                  = "restbuddy_slot"
	plugin                       = "pgoutput"
)

// Config holds replication configuration.
type Config struct {
	Enabled     bool   `mapstructure:"enabled"`
	Publication string `mapstructure:"publication"`
	Slot        string `mapstructure:"slot"`
	// Tables to add to the publication when it is created. Example:
	// ["table_wo_schema", "specific_schema.example_table", "another_schema.*"]
	// ["*"] or ["*.*"] for all tables
	Tables []string `mapstructure:"tables"`
	// TemporarySlot drops the slot when the connection closes. Changes committed while
	// restbuddy is down are then not delivered.
	TemporarySlot         bool          `mapstructure:"temporarySlot"`
	StandbyUpdateInterval time.Duration `mapstructure:"standbyUpdateInterval" validate:"omitempty,min=1s"`
	BufferSize            int           `mapstructure:"bufferSize" validate:"gte=0"`
}

func (c Config) withDefaults() Config {
	c.Publication = cmp.Or(c.Publication, defaultPublication)
	c.Slot = cmp.Or(c.Slot, defaultSlot)
	c.StandbyUpdateInterval = cmp.Or(c.StandbyUpdateInterval, defaultStandbyUpdateInterval)
	c.BufferSize = cmp.Or(c.BufferSize, defaultBufferSize)
	return c
}

func (c Config) validate() error {
	if c.StandbyUpdateInterval < time.Second {
		return fmt.Errorf("standby update interval must be at least 1 second")
	}
	return nil
}

// Change is one row change read from the WAL. Before holds what the table's replica
// identity provides: the key columns by default, the whole row with REPLICA IDENTITY FULL.
type Change struct {
	Op     notify.Op
	Schema string
	Table  string
	Before store.Record
	After  store.Record
	Xid    uint32
	TsMs   int64
}

// Connect opens a replication connection for connString.
func Connect(ctx context.Context, connString string) (*pgconn.PgConn, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	cfg.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, &cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("replication connection: %w", err)
	}
	return conn, nil
}

// TablesForSchemas lists the publication patterns covering schemas, or all tables when
// there are none.
func TablesForSchemas(schemas []string) []string {
	if len(schemas) == 0 {
		return []string{"*"}
	}
	tables := make([]string, len(schemas))
	for i, s := range schemas {
		tables[i] = s + ".*"
	}
	return tables
}
