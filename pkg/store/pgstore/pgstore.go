// Package pgstore implements store.Store on PostgreSQL. Query descriptors are rendered
// to parameterized SQL; include chains become correlated EXISTS subqueries built from
// the relations declared on each entity.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/edgeflare/restbuddy/pkg/model"
	pg "github.com/edgeflare/restbuddy/pkg/pgx"
	"github.com/edgeflare/restbuddy/pkg/query"
	"github.com/edgeflare/restbuddy/pkg/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

type Store struct {
	conn   pg.Conn
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New returns a store issuing statements on conn, typically a *pgxpool.Pool.
func New(conn pg.Conn, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{conn: conn, logger: logger}
}

func (s *Store) FindOne(ctx context.Context, q *query.Descriptor) (store.Record, error) {
	one := 1
	limited := *q
	limited.Limit = &one

	recs, err := s.find(ctx, &limited)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	return recs[0], nil
}

func (s *Store) FindMany(ctx context.Context, q *query.Descriptor) ([]store.Record, error) {
	recs, err := s.find(ctx, q)
	if errors.Is(err, store.ErrNotFound) {
		return []store.Record{}, nil
	}
	return recs, err
}

func (s *Store) find(ctx context.Context, q *query.Descriptor) ([]store.Record, error) {
	sql, args, err := selectSQL(q)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("select", zap.String("sql", sql), zap.Int("args", len(args)))

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, s.readError(err, q.Model)
	}
	recs, err := collect(rows)
	if err != nil {
		return nil, s.readError(err, q.Model)
	}
	return recs, nil
}

func (s *Store) Create(ctx context.Context, e *model.Entity, fields store.Record) (store.Record, error) {
	if err := store.Validate(e, fields, false); err != nil {
		return nil, err
	}
	return s.insert(ctx, s.conn, e, fields)
}

func (s *Store) insert(ctx context.Context, conn pg.Conn, e *model.Entity, fields store.Record) (store.Record, error) {
	sql, args := insertSQL(e, fields)
	s.logger.Debug("insert", zap.String("sql", sql))

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, writeError(err, e)
	}
	rec, err := collectOne(rows)
	if err != nil {
		return nil, writeError(err, e)
	}
	return rec, nil
}

// CreateRelated inserts the child and, for many-to-many relations, the junction row in
// one transaction.
func (s *Store) CreateRelated(ctx context.Context, parentEntity *model.Entity, parent store.Record, child *model.Entity, fields store.Record) (store.Record, error) {
	link, err := store.LinkFor(parentEntity, parent, child)
	if err != nil {
		return nil, err
	}
	fields = maps.Clone(fields)
	if fields == nil {
		fields = store.Record{}
	}
	if link.ChildKey != "" {
		fields[link.ChildKey] = link.ParentValue
	}
	if err := store.Validate(child, fields, false); err != nil {
		return nil, err
	}

	var rec store.Record
	err = pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		var err error
		if rec, err = s.insert(ctx, tx, child, fields); err != nil {
			return err
		}
		if link.Through == nil {
			return nil
		}
		sql, args := linkSQL(child.Schema, link.Through, rec[child.PrimaryKey], link.ParentValue)
		s.logger.Debug("link", zap.String("sql", sql))
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return writeError(err, child)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, e *model.Entity, instance store.Record, fields store.Record) (store.Record, error) {
	if e.PrimaryKey == "" {
		return nil, fmt.Errorf("pgstore: %s has no primary key", e.Name)
	}
	if err := store.Validate(e, fields, true); err != nil {
		return nil, err
	}

	pk := instance[e.PrimaryKey]
	sql, args := updateSQL(e, pk, fields)
	if sql == "" {
		return s.FindOne(ctx, &query.Descriptor{Model: e, Where: query.Where{e.PrimaryKey: {query.Eq(pk)}}})
	}
	s.logger.Debug("update", zap.String("sql", sql))

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, writeError(err, e)
	}
	rec, err := collectOne(rows)
	if err != nil {
		return nil, writeError(err, e)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, e *model.Entity, instance store.Record) error {
	if e.PrimaryKey == "" {
		return fmt.Errorf("pgstore: %s has no primary key", e.Name)
	}
	sql, args := deleteSQL(e, instance[e.PrimaryKey])
	s.logger.Debug("delete", zap.String("sql", sql))

	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return writeError(err, e)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func collect(rows pgx.Rows) ([]store.Record, error) {
	ms, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	recs := make([]store.Record, len(ms))
	for i, m := range ms {
		recs[i] = m
	}
	return recs, nil
}

func collectOne(rows pgx.Rows) (store.Record, error) {
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// readError treats a path or query value that cannot be cast to its column type
// ("abc" for an integer id) like a value that matches nothing.
func (s *Store) readError(err error, e *model.Entity) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		s.logger.Debug("invalid filter value", zap.String("entity", e.Name), zap.String("detail", pgErr.Message))
		return store.ErrNotFound
	}
	return fmt.Errorf("pgstore: %s: %w", e.Name, err)
}

// writeError maps constraint violations to *store.ValidationError.
func writeError(err error, e *model.Entity) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("pgstore: %s: %w", e.Name, err)
	}

	field := pgErr.ColumnName
	if field == "" {
		field = pgErr.ConstraintName
	}
	var problem string
	switch pgErr.Code {
	case "23502": // not_null_violation
		problem = "cannot be null"
	case "23503": // foreign_key_violation
		problem = "references a missing row"
	case "23505": // unique_violation
		problem = "already exists"
	case "23514": // check_violation
		problem = "violates check constraint"
	case "22P02", "22003", "22007", "22008": // invalid text, out of range, datetime
		problem = pgErr.Message
		if field == "" {
			field = "value"
		}
	default:
		return fmt.Errorf("pgstore: %s: %w", e.Name, err)
	}
	return &store.ValidationError{Entity: e.Name, Fields: map[string]string{field: problem}}
}
