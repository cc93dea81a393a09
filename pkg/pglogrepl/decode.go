package pglogrepl

import (
	"fmt"
	"time"

	"github.com/edgeflare/restbuddy/pkg/notify"
	"github.com/edgeflare/restbuddy/pkg/store"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

// decoder turns pgoutput v2 messages into changes. Relation messages precede the row
// messages that reference them and are remembered for the lifetime of the stream.
type decoder struct {
	relations map[uint32]*pglogrepl.RelationMessageV2
	typeMap   *pgtype.Map
	inStream  bool
	logger    *zap.Logger
}

func newDecoder(logger *zap.Logger) *decoder {
	return &decoder{
		relations: make(map[uint32]*pglogrepl.RelationMessageV2),
		typeMap:   pgtype.NewMap(),
		logger:    logger,
	}
}

func (d *decoder) decode(walData []byte) ([]Change, error) {
	msg, err := pglogrepl.ParseV2(walData, d.inStream)
	if err != nil {
		return nil, fmt.Errorf("parse pgoutput message: %w", err)
	}
	return d.handle(msg)
}

func (d *decoder) handle(msg pglogrepl.Message) ([]Change, error) {
	switch msg := msg.(type) {
	case *pglogrepl.RelationMessageV2:
		d.relations[msg.RelationID] = msg

	case *pglogrepl.InsertMessageV2:
		rel, err := d.relation(msg.RelationID)
		if err != nil {
			return nil, err
		}
		return []Change{d.change(notify.OpCreate, rel, msg.Xid, nil, msg.Tuple)}, nil

	case *pglogrepl.UpdateMessageV2:
		rel, err := d.relation(msg.RelationID)
		if err != nil {
			return nil, err
		}
		return []Change{d.change(notify.OpUpdate, rel, msg.Xid, msg.OldTuple, msg.NewTuple)}, nil

	case *pglogrepl.DeleteMessageV2:
		rel, err := d.relation(msg.RelationID)
		if err != nil {
			return nil, err
		}
		return []Change{d.change(notify.OpDelete, rel, msg.Xid, msg.OldTuple, nil)}, nil

	case *pglogrepl.TruncateMessageV2:
		d.logger.Debug("ignoring truncate", zap.Uint32s("relations", msg.RelationIDs))

	case *pglogrepl.StreamStartMessageV2:
		d.inStream = true

	case *pglogrepl.StreamStopMessageV2:
		d.inStream = false
	}
	return nil, nil
}

func (d *decoder) relation(id uint32) (*pglogrepl.RelationMessageV2, error) {
	rel, ok := d.relations[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID %d", id)
	}
	return rel, nil
}

func (d *decoder) change(op notify.Op, rel *pglogrepl.RelationMessageV2, xid uint32, before, after *pglogrepl.TupleData) Change {
	return Change{
		Op:     op,
		Schema: rel.Namespace,
		Table:  rel.RelationName,
		Before: d.record(rel, before),
		After:  d.record(rel, after),
		Xid:    xid,
		TsMs:   time.Now().UnixMilli(),
	}
}

// record decodes a tuple. Unchanged TOAST values are left out.
func (d *decoder) record(rel *pglogrepl.RelationMessageV2, tuple *pglogrepl.TupleData) store.Record {
	if tuple == nil {
		return nil
	}
	rec := make(store.Record, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			rec[name] = nil
		case pglogrepl.TupleDataTypeToast:
		case pglogrepl.TupleDataTypeText:
			rec[name] = d.decodeText(col.Data, rel.Columns[i].DataType)
		case pglogrepl.TupleDataTypeBinary:
			rec[name] = col.Data
		}
	}
	return rec
}

func (d *decoder) decodeText(data []byte, oid uint32) any {
	dt, ok := d.typeMap.TypeForOID(oid)
	if !ok {
		return string(data)
	}
	v, err := dt.Codec.DecodeValue(d.typeMap, oid, pgtype.TextFormatCode, data)
	if err != nil {
		d.logger.Warn("decoding column data", zap.Uint32("oid", oid), zap.Error(err))
		return string(data)
	}
	return v
}
