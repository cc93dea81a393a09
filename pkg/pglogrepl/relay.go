package pglogrepl

import (
	"context"

	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/edgeflare/restbuddy/pkg/notify"
	"go.uber.org/zap"
)

// Relay publishes changes to tables of registered entities until changes is closed or
// ctx is done. Changes to other tables are dropped. Publish errors are logged by the
// publisher and do not stop the relay.
func Relay(ctx context.Context, changes <-chan Change, registry model.Registry, p notify.Publisher, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			e := entityFor(registry, c.Schema, c.Table)
			if e == nil {
				logger.Debug("change to unexposed table", zap.String("schema", c.Schema), zap.String("table", c.Table))
				continue
			}
			ev := notify.NewEvent(c.Op, e, c.Before, c.After)
			ev.TsMs = c.TsMs
			_ = p.Publish(ctx, ev)
		}
	}
}

// entityFor finds the entity backed by schema.table. Entities without a schema match
// the table in any schema.
func entityFor(registry model.Registry, schema, table string) *model.Entity {
	for _, e := range registry.Entities() {
		if e.Table == table && (e.Schema == "" || e.Schema == schema) {
			return e
		}
	}
	return nil
}
