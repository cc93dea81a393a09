// Package memstore provides a store.Store keeping records in memory. It evaluates query
// descriptors, include chains included, the same way the PostgreSQL store does, and is
// used by tests and examples.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/edgeflare/restbuddy/pkg/query"
	"github.com/edgeflare/restbuddy/pkg/store"
)

type Store struct {
	mu        sync.RWMutex
	tables    map[string][]store.Record // key: entity name
	junctions map[string][]store.Record // key: junction table
	seq       map[string]int64
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tables:    make(map[string][]store.Record),
		junctions: make(map[string][]store.Record),
		seq:       make(map[string]int64),
	}
}

// Insert adds records without validation, assigning primary keys where missing. It
// returns the stored copies.
func (s *Store) Insert(e *model.Entity, records ...store.Record) []store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Record, len(records))
	for i, r := range records {
		out[i] = s.insert(e, r)
	}
	return out
}

// Link inserts a junction row for a many-to-many relation declared on a towards b.
func (s *Store) Link(a *model.Entity, aRec store.Record, b *model.Entity, bRec store.Record) error {
	rel, ok := a.RelationTo(b.Name)
	if !ok || rel.Kind != model.ManyToMany {
		return fmt.Errorf("memstore: %s has no many-to-many relation to %s", a.Name, b.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.junctions[rel.Through.Table] = append(s.junctions[rel.Through.Table], store.Record{
		rel.Through.SourceKey: aRec[a.PrimaryKey],
		rel.Through.TargetKey: bRec[b.PrimaryKey],
	})
	return nil
}

func (s *Store) insert(e *model.Entity, r store.Record) store.Record {
	rec := maps.Clone(r)
	if rec == nil {
		rec = store.Record{}
	}
	if e.PrimaryKey != "" {
		if _, ok := rec[e.PrimaryKey]; !ok {
			s.seq[e.Name]++
			rec[e.PrimaryKey] = s.seq[e.Name]
		}
	}
	s.tables[e.Name] = append(s.tables[e.Name], rec)
	return maps.Clone(rec)
}

func (s *Store) FindOne(ctx context.Context, q *query.Descriptor) (store.Record, error) {
	recs, err := s.find(ctx, q)
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
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []store.Record{}
	}
	return recs, nil
}

func (s *Store) find(ctx context.Context, q *query.Descriptor) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Record
	for _, rec := range s.tables[q.Model.Name] {
		ok, err := s.matches(q, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, maps.Clone(rec))
		}
	}

	if q.Order != nil {
		field, desc := q.Order.Field, q.Order.Direction == query.Desc
		slices.SortStableFunc(out, func(a, b store.Record) int {
			c := compare(a[field], b[field])
			if desc {
				return -c
			}
			return c
		})
	}
	if q.Offset != nil {
		out = out[min(max(*q.Offset, 0), len(out)):]
	}
	if q.Limit != nil {
		out = out[:min(max(*q.Limit, 0), len(out))]
	}
	return out, nil
}

// matches reports whether rec satisfies q.Where and is related to at least one record
// matching q.Include.
func (s *Store) matches(q *query.Descriptor, rec store.Record) (bool, error) {
	ok, err := matchWhere(q.Where, rec)
	if err != nil || !ok {
		return false, err
	}
	if q.Include == nil {
		return true, nil
	}
	parents, err := s.related(q.Model, rec, q.Include.Model)
	if err != nil {
		return false, err
	}
	for _, p := range parents {
		ok, err := s.matches(q.Include, p)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// related returns the records of other linked to rec of entity e.
func (s *Store) related(e *model.Entity, rec store.Record, other *model.Entity) ([]store.Record, error) {
	var pick func(o store.Record) bool

	if rel, ok := e.RelationTo(other.Name); ok {
		switch rel.Kind {
		case model.BelongsTo:
			pick = func(o store.Record) bool { return equal(o[other.PrimaryKey], rec[rel.ForeignKey]) }
		case model.HasMany, model.HasOne:
			pick = func(o store.Record) bool { return equal(o[rel.ForeignKey], rec[e.PrimaryKey]) }
		case model.ManyToMany:
			pick = s.throughPicker(rel.Through, rec[e.PrimaryKey], other.PrimaryKey)
		}
	} else if rel, ok := other.RelationTo(e.Name); ok {
		switch rel.Kind {
		case model.BelongsTo:
			pick = func(o store.Record) bool { return equal(o[rel.ForeignKey], rec[e.PrimaryKey]) }
		case model.HasMany, model.HasOne:
			pick = func(o store.Record) bool { return equal(rec[rel.ForeignKey], o[other.PrimaryKey]) }
		case model.ManyToMany:
			t := &model.Through{Table: rel.Through.Table, SourceKey: rel.Through.TargetKey, TargetKey: rel.Through.SourceKey}
			pick = s.throughPicker(t, rec[e.PrimaryKey], other.PrimaryKey)
		}
	}
	if pick == nil {
		return nil, fmt.Errorf("memstore: no relation between %s and %s", e.Name, other.Name)
	}

	var out []store.Record
	for _, o := range s.tables[other.Name] {
		if pick(o) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Store) throughPicker(t *model.Through, key any, otherPK string) func(store.Record) bool {
	var targets []any
	for _, j := range s.junctions[t.Table] {
		if equal(j[t.SourceKey], key) {
			targets = append(targets, j[t.TargetKey])
		}
	}
	return func(o store.Record) bool {
		return slices.ContainsFunc(targets, func(v any) bool { return equal(v, o[otherPK]) })
	}
}

func (s *Store) Create(ctx context.Context, e *model.Entity, fields store.Record) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := store.Validate(e, fields, false); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(e, fields), nil
}

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

	rec, err := s.Create(ctx, child, fields)
	if err != nil {
		return nil, err
	}
	if link.Through != nil {
		s.mu.Lock()
		s.junctions[link.Through.Table] = append(s.junctions[link.Through.Table], store.Record{
			link.Through.SourceKey: rec[child.PrimaryKey],
			link.Through.TargetKey: link.ParentValue,
		})
		s.mu.Unlock()
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, e *model.Entity, instance store.Record, fields store.Record) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := store.Validate(e, fields, true); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(e, instance)
	if i < 0 {
		return nil, store.ErrNotFound
	}
	rec := s.tables[e.Name][i]
	for k, v := range fields {
		if k == e.PrimaryKey {
			continue
		}
		rec[k] = v
	}
	return maps.Clone(rec), nil
}

func (s *Store) Delete(ctx context.Context, e *model.Entity, instance store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(e, instance)
	if i < 0 {
		return store.ErrNotFound
	}
	s.tables[e.Name] = slices.Delete(s.tables[e.Name], i, i+1)
	return nil
}

func (s *Store) indexOf(e *model.Entity, instance store.Record) int {
	pk := instance[e.PrimaryKey]
	return slices.IndexFunc(s.tables[e.Name], func(r store.Record) bool { return equal(r[e.PrimaryKey], pk) })
}
