package schema

import (
	"slices"
	"sort"

	"github.com/edgeflare/restbuddy/pkg/model"
)

// Entities converts tables into entity descriptions. naming maps a table name such as
// "user_profiles" to its entity name; foreign keys become BelongsTo / HasMany relations
// and junction tables (see isJunction) additionally relate the two tables they
// reference as many-to-many. Tables are matched by schema-qualified name; foreign keys
// to tables outside the snapshot are ignored.
func Entities(tables map[string]Table, naming func(table string) string) []*model.Entity {
	keys := make([]string, 0, len(tables))
	for k := range tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	byName := make(map[string]*model.Entity, len(tables))
	entities := make([]*model.Entity, 0, len(tables))
	for _, k := range keys {
		t := tables[k]
		e := entity(t, naming(t.Name))
		byName[t.fullName()] = e
		entities = append(entities, e)
	}

	for _, k := range keys {
		t := tables[k]
		child := byName[t.fullName()]
		for _, fk := range t.ForeignKeys {
			parent, ok := byName[fk.target(t.Schema)]
			if !ok || parent == child {
				continue
			}
			if slices.Equal(t.PrimaryKeys, []string{fk.Column}) {
				model.RelateOne(parent, child, fk.Column)
			} else {
				model.Relate(parent, child, fk.Column)
			}
		}

		if isJunction(t) {
			a, aok := byName[t.ForeignKeys[0].target(t.Schema)]
			b, bok := byName[t.ForeignKeys[1].target(t.Schema)]
			if aok && bok && a != b {
				model.RelateMany(a, b, t.Name, t.ForeignKeys[0].Column, t.ForeignKeys[1].Column)
			}
		}
	}
	return entities
}

func entity(t Table, name string) *model.Entity {
	e := &model.Entity{
		Name:   name,
		Schema: t.Schema,
		Table:  t.Name,
		Fields: make([]model.Field, len(t.Columns)),
	}
	if len(t.PrimaryKeys) == 1 {
		e.PrimaryKey = t.PrimaryKeys[0]
	}
	for i, c := range t.Columns {
		e.Fields[i] = model.Field{
			Name:       c.Name,
			Type:       c.DataType,
			PrimaryKey: c.IsPrimaryKey,
			Required:   !c.IsNullable && !c.HasDefault && !c.IsPrimaryKey,
		}
	}
	return e
}

// isJunction reports whether t only links two other tables: it has exactly two foreign
// keys and every other column is part of the primary key or has a default.
func isJunction(t Table) bool {
	if t.Type != TypeTable || len(t.ForeignKeys) != 2 {
		return false
	}
	if t.ForeignKeys[0].target(t.Schema) == t.ForeignKeys[1].target(t.Schema) {
		return false
	}
	for _, c := range t.Columns {
		if c.Name == t.ForeignKeys[0].Column || c.Name == t.ForeignKeys[1].Column {
			continue
		}
		if !c.IsPrimaryKey && !c.HasDefault {
			return false
		}
	}
	return true
}
