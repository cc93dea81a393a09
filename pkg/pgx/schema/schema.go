// Package schema caches PostgreSQL table metadata (columns, primary and foreign keys)
// and derives the entity registry restbuddy resolves routes against.
// It listens for reload notifications and refreshes its in-memory copy when the
// database schema changes.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sync"

	pg "github.com/edgeflare/restbuddy/pkg/pgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	// Following PostgREST's notification convention:
	// NOTIFY restbuddy, 'reload schema'
	reloadChannel = "restbuddy"
	reloadPayload = "reload schema"
)

type TableType string

const (
	TypeTable TableType = "TABLE"
	TypeView  TableType = "VIEW"
)

type Table struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Type        TableType    `json:"type"`
	Columns     []Column     `json:"columns"`
	PrimaryKeys []string     `json:"primary_keys"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
}

type Column struct {
	Name         string `json:"name"`
	DataType     string `json:"data_type"`
	IsNullable   bool   `json:"is_nullable"`
	HasDefault   bool   `json:"has_default"`
	IsPrimaryKey bool   `json:"is_primary_key"`
}

type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedSchema string `json:"referenced_schema,omitempty"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// target is the schema-qualified name of the referenced table. An empty
// ReferencedSchema means the schema of the referencing table.
func (fk ForeignKey) target(schema string) string {
	if fk.ReferencedSchema != "" {
		schema = fk.ReferencedSchema
	}
	return schema + "." + fk.ReferencedTable
}

func (t *Table) fullName() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

// Cache holds the tables of the configured schemas.
type Cache struct {
	pool    *pgxpool.Pool
	conn    *pgx.Conn
	schemas []string
	tables  map[string]Table // key: schema_name.table_name
	watch   chan map[string]Table
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewCache creates a cache over pool for the given schemas; with none, every
// non-system schema is loaded. Close releases the dedicated LISTEN connection but not
// the pool.
func NewCache(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger, schemas ...string) (*Cache, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool.Acquire: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Cache{
		pool:    pool,
		conn:    conn.Hijack(),
		schemas: schemas,
		tables:  make(map[string]Table),
		watch:   make(chan map[string]Table, 1),
		logger:  logger,
	}, nil
}

// Init loads the schema and starts listening for reload notifications.
func (c *Cache) Init(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.reload(ctx); err != nil {
		cancel()
		return fmt.Errorf("initial load: %w", err)
	}

	if _, err := c.conn.Exec(ctx, "LISTEN "+reloadChannel); err != nil {
		cancel()
		return fmt.Errorf("listen: %w", err)
	}

	c.done = make(chan struct{})
	go c.handleUpdates(ctx)
	return nil
}

func (c *Cache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
	if c.conn != nil {
		c.conn.Close(context.Background())
	}
	close(c.watch)
}

// Watch delivers a snapshot after every successful reload. Only the latest snapshot is
// buffered.
func (c *Cache) Watch() <-chan map[string]Table {
	return c.watch
}

func (c *Cache) handleUpdates(ctx context.Context) {
	defer close(c.done)
	for {
		notification, err := c.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("schema notification", zap.Error(err))
			continue
		}

		if notification.Payload == reloadPayload {
			if err := c.reload(ctx); err != nil {
				c.logger.Error("schema reload", zap.Error(err))
			}
		}
	}
}

func (c *Cache) reload(ctx context.Context) error {
	tables, err := loadAll(ctx, c.pool, c.schemas)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tables = tables
	c.mu.Unlock()

	c.logger.Info("schema loaded", zap.Int("tables", len(tables)))

	snap := c.Snapshot()
	select {
	case c.watch <- snap:
	default:
		// drop the stale snapshot nobody consumed yet
		select {
		case <-c.watch:
		default:
		}
		c.watch <- snap
	}
	return nil
}

func (c *Cache) Snapshot() map[string]Table {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(map[string]Table, len(c.tables))
	maps.Copy(snap, c.tables)
	return snap
}

func loadAll(ctx context.Context, conn pg.Conn, only []string) (map[string]Table, error) {
	schemas := only
	if len(schemas) == 0 {
		var err error
		if schemas, err = querySchemas(ctx, conn); err != nil {
			return nil, fmt.Errorf("query schemas: %w", err)
		}
	}

	tables := make(map[string]Table)
	for _, schema := range schemas {
		if isSystem(schema) {
			continue
		}

		schemaTables, err := loadSchema(ctx, conn, schema)
		if err != nil {
			return nil, fmt.Errorf("load schema %s: %w", schema, err)
		}

		maps.Copy(tables, schemaTables)
	}
	return tables, nil
}

func loadSchema(ctx context.Context, conn pg.Conn, schema string) (map[string]Table, error) {
	tableRows, err := conn.Query(ctx, `
		SELECT table_schema, table_name, 'TABLE'::text AS table_type
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		UNION ALL
		SELECT table_schema, table_name, 'VIEW'::text AS table_type
		FROM information_schema.views
		WHERE table_schema = $1
		ORDER BY table_schema, table_name`, schema)
	if err != nil {
		return nil, err
	}

	var list []Table
	for tableRows.Next() {
		var t Table
		var tableType string
		if err := tableRows.Scan(&t.Schema, &t.Name, &tableType); err != nil {
			tableRows.Close()
			return nil, err
		}
		t.Type = TableType(tableType)
		list = append(list, t)
	}
	tableRows.Close()
	if err := tableRows.Err(); err != nil {
		return nil, err
	}

	tables := make(map[string]Table, len(list))
	for _, t := range list {
		cols, pkeys, err := queryColumns(ctx, conn, t.Schema, t.Name)
		if err != nil {
			return nil, fmt.Errorf("query columns %s: %w", t.fullName(), err)
		}
		t.Columns = cols
		t.PrimaryKeys = pkeys

		// views don't have foreign keys
		if t.Type == TypeTable {
			fkeys, err := queryForeignKeys(ctx, conn, t.Schema, t.Name)
			if err != nil {
				return nil, fmt.Errorf("query foreign keys %s: %w", t.fullName(), err)
			}
			t.ForeignKeys = fkeys
		}

		tables[t.fullName()] = t
	}
	return tables, nil
}

func queryColumns(ctx context.Context, conn pg.Conn, schema, table string) ([]Column, []string, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES',
			c.column_default IS NOT NULL OR c.is_identity = 'YES',
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
					ON tc.constraint_name = kcu.constraint_name
					AND tc.table_schema = kcu.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = $1
					AND tc.table_name = $2
					AND kcu.column_name = c.column_name
			) AS is_primary_key
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, schema, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var cols []Column
	var pkeys []string
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.IsNullable, &col.HasDefault, &col.IsPrimaryKey); err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
		if col.IsPrimaryKey {
			pkeys = append(pkeys, col.Name)
		}
	}
	return cols, pkeys, rows.Err()
}

func queryForeignKeys(ctx context.Context, conn pg.Conn, schema, table string) ([]ForeignKey, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			kcu.column_name,
			ccu.table_schema,
			ccu.table_name,
			ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.constraint_schema = tc.constraint_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fkeys []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.Column, &fk.ReferencedSchema, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return nil, err
		}
		fkeys = append(fkeys, fk)
	}
	return fkeys, rows.Err()
}

func querySchemas(ctx context.Context, conn pg.Conn) ([]string, error) {
	rows, err := conn.Query(ctx, `SELECT schema_name FROM information_schema.schemata ORDER BY schema_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	return schemas, rows.Err()
}

func isSystem(schema string) bool {
	switch schema {
	case "information_schema", "pg_catalog", "pg_toast", "pg_temp_1", "pg_toast_temp_1":
		return true
	default:
		return false
	}
}

// Handler serves the cached tables as JSON.
func (c *Cache) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Snapshot()); err != nil {
			http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
		}
	})
}
