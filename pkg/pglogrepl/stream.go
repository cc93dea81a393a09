package pglogrepl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

// Stream starts logical replication and returns a channel of changes. The channel is
// closed when ctx is canceled or the connection fails.
func Stream(ctx context.Context, conn *pgconn.PgConn, cfg Config, logger *zap.Logger) (<-chan Change, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := setupReplication(ctx, conn, cfg); err != nil {
		return nil, fmt.Errorf("setup replication: %w", err)
	}

	changes := make(chan Change, cfg.BufferSize)
	go streamChanges(ctx, conn, cfg, newDecoder(logger), changes, logger)
	return changes, nil
}

func setupReplication(ctx context.Context, conn *pgconn.PgConn, cfg Config) error {
	if err := ensurePublication(ctx, conn, cfg); err != nil {
		return fmt.Errorf("publication: %w", err)
	}

	sysID, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}

	if err := ensureSlot(ctx, conn, cfg.Slot, cfg.TemporarySlot); err != nil {
		return fmt.Errorf("slot: %w", err)
	}

	pluginArgs := []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", cfg.Publication),
		"messages 'true'",
		"streaming 'true'",
	}

	return pglogrepl.StartReplication(ctx, conn, cfg.Slot, sysID.XLogPos, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	})
}

func ensureSlot(ctx context.Context, conn *pgconn.PgConn, name string, temporary bool) error {
	exists, err := queryExists(ctx, conn, "SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", name)
	if err != nil || exists {
		return err
	}
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, name, plugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: temporary})
	return err
}

func ensurePublication(ctx context.Context, conn *pgconn.PgConn, cfg Config) error {
	exists, err := queryExists(ctx, conn, "SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", cfg.Publication)
	if err != nil || exists {
		return err
	}
	if _, err := conn.Exec(ctx, publicationSQL(cfg.Publication, cfg.Tables)).ReadAll(); err != nil {
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

// publicationSQL builds CREATE PUBLICATION for insert, update and delete on tables.
func publicationSQL(name string, tables []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE PUBLICATION %s", pgx.Identifier{name}.Sanitize())

	tp := parsePublicationTables(tables)
	switch {
	case tp.allTables || (len(tp.schemas) == 0 && len(tp.tables) == 0):
		b.WriteString(" FOR ALL TABLES")
	case len(tp.schemas) > 0 && len(tp.tables) > 0:
		fmt.Fprintf(&b, " FOR TABLES IN SCHEMA %s, TABLE %s", strings.Join(tp.schemas, ", "), strings.Join(tp.tables, ", "))
	case len(tp.schemas) > 0:
		fmt.Fprintf(&b, " FOR TABLES IN SCHEMA %s", strings.Join(tp.schemas, ", "))
	default:
		fmt.Fprintf(&b, " FOR TABLE %s", strings.Join(tp.tables, ", "))
	}
	b.WriteString(" WITH (publish = 'insert, update, delete')")
	return b.String()
}

func queryExists(ctx context.Context, conn *pgconn.PgConn, sql, value string) (bool, error) {
	res := conn.ExecParams(ctx, sql, [][]byte{[]byte(value)}, nil, nil, nil).Read()
	if res.Err != nil {
		return false, fmt.Errorf("check exists: %w", res.Err)
	}
	return len(res.Rows) > 0 && string(res.Rows[0][0]) == "t", nil
}

type tablePattern struct {
	allTables bool     // true if *.* or * is specified
	schemas   []string // quoted schema names for schema.* patterns
	tables    []string // quoted, possibly qualified, table names
}

func parsePublicationTables(patterns []string) tablePattern {
	var tp tablePattern

	for _, p := range patterns {
		if p == "*" || p == "*.*" {
			return tablePattern{allTables: true}
		}

		if schema, ok := strings.CutSuffix(p, ".*"); ok && schema != "" {
			tp.schemas = append(tp.schemas, pgx.Identifier{schema}.Sanitize())
			continue
		}

		tp.tables = append(tp.tables, pgx.Identifier(strings.SplitN(p, ".", 2)).Sanitize())
	}

	return tp
}

func streamChanges(ctx context.Context, conn *pgconn.PgConn, cfg Config, dec *decoder, changes chan<- Change, logger *zap.Logger) {
	defer close(changes)
	nextStandby := time.Now().Add(cfg.StandbyUpdateInterval)
	var walPos pglogrepl.LSN

	for {
		if time.Now().After(nextStandby) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: walPos}); err != nil {
				logStop(ctx, logger, "standby status update", err)
				return
			}
			nextStandby = time.Now().Add(cfg.StandbyUpdateInterval)
		}

		msgCtx, cancel := context.WithDeadline(ctx, nextStandby)
		msg, err := conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				continue
			}
			logStop(ctx, logger, "receive message", err)
			return
		}

		switch msg := msg.(type) {
		case *pgproto3.ErrorResponse:
			logger.Error("replication error", zap.String("message", msg.Message), zap.String("code", msg.Code))
			return
		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					logger.Warn("parse keepalive", zap.Error(err))
					continue
				}
				if pkm.ServerWALEnd > walPos {
					walPos = pkm.ServerWALEnd
				}
				if pkm.ReplyRequested {
					nextStandby = time.Time{}
				}

			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					logger.Warn("parse xlog data", zap.Error(err))
					continue
				}
				decoded, err := dec.decode(xld.WALData)
				if err != nil {
					logger.Error("decode wal data", zap.Error(err), zap.Stringer("lsn", xld.WALStart))
				}
				for _, c := range decoded {
					select {
					case changes <- c:
					case <-ctx.Done():
						return
					}
				}
				if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > walPos {
					walPos = end
				}
			}
		}
	}
}

func logStop(ctx context.Context, logger *zap.Logger, what string, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		logger.Info("replication stopped")
		return
	}
	logger.Error("replication stopped", zap.String("during", what), zap.Error(err))
}
