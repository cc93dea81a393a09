package pgstore

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/edgeflare/restbuddy/pkg/query"
	"github.com/jackc/pgx/v5"
)

// builder accumulates positional arguments while SQL text is assembled.
type builder struct {
	sql   strings.Builder
	args  []any
	alias int
}

func (b *builder) write(parts ...string) {
	for _, p := range parts {
		b.sql.WriteString(p)
	}
}

func (b *builder) placeholder(v any) string {
	b.args = append(b.args, arg(v))
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *builder) nextAlias() string {
	a := fmt.Sprintf("t%d", b.alias)
	b.alias++
	return a
}

func tableIdent(e *model.Entity) string {
	if e.Schema != "" {
		return pgx.Identifier{e.Schema, e.Table}.Sanitize()
	}
	return pgx.Identifier{e.Table}.Sanitize()
}

func column(alias, field string) string {
	return pgx.Identifier{alias, field}.Sanitize()
}

// selectSQL renders q as a SELECT of the leaf entity's columns. Every include is an
// EXISTS subquery correlated through the relation between neighbouring entities, so
// ancestors filter the leaf without adding rows to the result.
func selectSQL(q *query.Descriptor) (string, []any, error) {
	b := &builder{}
	alias := b.nextAlias()
	b.write("SELECT ", alias, ".* FROM ", tableIdent(q.Model), " AS ", alias)

	conds, err := b.conditions(q, alias)
	if err != nil {
		return "", nil, err
	}
	if len(conds) > 0 {
		b.write(" WHERE ", strings.Join(conds, " AND "))
	}

	if q.Order != nil {
		if !q.Model.HasField(q.Order.Field) {
			return "", nil, fmt.Errorf("pgstore: %s has no field %q", q.Model.Name, q.Order.Field)
		}
		dir := "ASC"
		if q.Order.Direction == query.Desc {
			dir = "DESC"
		}
		b.write(" ORDER BY ", column(alias, q.Order.Field), " ", dir)
	}
	if q.Limit != nil {
		b.write(" LIMIT ", b.placeholder(*q.Limit))
	}
	if q.Offset != nil {
		b.write(" OFFSET ", b.placeholder(*q.Offset))
	}
	return b.sql.String(), b.args, nil
}

// conditions renders the Where of q and its include chain against alias.
func (b *builder) conditions(q *query.Descriptor, alias string) ([]string, error) {
	var conds []string
	for _, field := range q.Where.Fields() {
		if !q.Model.HasField(field) {
			return nil, fmt.Errorf("pgstore: %s has no field %q", q.Model.Name, field)
		}
		for _, p := range q.Where[field] {
			c, err := b.predicate(column(alias, field), p)
			if err != nil {
				return nil, fmt.Errorf("pgstore: %s.%s: %w", q.Model.Name, field, err)
			}
			conds = append(conds, c)
		}
	}

	if q.Include != nil {
		c, err := b.exists(q.Model, alias, q.Include)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func (b *builder) exists(e *model.Entity, alias string, inc *query.Descriptor) (string, error) {
	j, err := joinFor(e, inc.Model)
	if err != nil {
		return "", err
	}

	other := b.nextAlias()
	var sb strings.Builder
	sb.WriteString("EXISTS (SELECT 1 FROM ")
	sb.WriteString(tableIdent(inc.Model))
	sb.WriteString(" AS ")
	sb.WriteString(other)

	var on string
	if j.through != nil {
		jt := b.nextAlias()
		through := &model.Entity{Schema: e.Schema, Table: j.through.Table}
		fmt.Fprintf(&sb, " JOIN %s AS %s ON %s = %s",
			tableIdent(through), jt,
			column(jt, j.through.TargetKey), column(other, inc.Model.PrimaryKey))
		on = fmt.Sprintf("%s = %s", column(jt, j.through.SourceKey), column(alias, e.PrimaryKey))
	} else {
		on = fmt.Sprintf("%s = %s", column(other, j.otherKey), column(alias, j.key))
	}

	conds, err := b.conditions(inc, other)
	if err != nil {
		return "", err
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(strings.Join(append([]string{on}, conds...), " AND "))
	sb.WriteString(")")
	return sb.String(), nil
}

func (b *builder) predicate(col string, p query.Predicate) (string, error) {
	switch p.Op {
	case query.OpEq:
		return col + " = " + b.placeholder(p.Value), nil
	case query.OpNeq:
		return col + " <> " + b.placeholder(p.Value), nil
	case query.OpGt:
		return col + " > " + b.placeholder(p.Value), nil
	case query.OpGte:
		return col + " >= " + b.placeholder(p.Value), nil
	case query.OpLt:
		return col + " < " + b.placeholder(p.Value), nil
	case query.OpLte:
		return col + " <= " + b.placeholder(p.Value), nil
	case query.OpLike:
		return col + "::text LIKE " + b.placeholder(p.Value), nil
	case query.OpILike:
		return col + "::text ILIKE " + b.placeholder(p.Value), nil
	case query.OpIn:
		vals, ok := p.Value.([]any)
		if !ok {
			return "", fmt.Errorf("in: want []any, got %T", p.Value)
		}
		if len(vals) == 0 {
			return "FALSE", nil
		}
		ph := make([]string, len(vals))
		for i, v := range vals {
			ph[i] = b.placeholder(v)
		}
		return col + " IN (" + strings.Join(ph, ", ") + ")", nil
	case query.OpIs:
		switch p.Value {
		case nil:
			return col + " IS NULL", nil
		case true:
			return col + " IS TRUE", nil
		case false:
			return col + " IS FALSE", nil
		}
		return "", fmt.Errorf("is: want nil, true or false, got %v", p.Value)
	}
	return "", fmt.Errorf("unsupported operator %q", p.Op)
}

// join describes how rows of two related entities match: either
// other.otherKey = this.key, or through a junction table whose SourceKey references
// this entity and TargetKey the other.
type join struct {
	key, otherKey string
	through       *model.Through
}

func joinFor(e, other *model.Entity) (join, error) {
	if rel, ok := e.RelationTo(other.Name); ok {
		switch rel.Kind {
		case model.BelongsTo:
			return join{key: rel.ForeignKey, otherKey: other.PrimaryKey}, nil
		case model.HasMany, model.HasOne:
			return join{key: e.PrimaryKey, otherKey: rel.ForeignKey}, nil
		case model.ManyToMany:
			return join{through: rel.Through}, nil
		}
	}
	if rel, ok := other.RelationTo(e.Name); ok {
		switch rel.Kind {
		case model.BelongsTo:
			return join{key: e.PrimaryKey, otherKey: rel.ForeignKey}, nil
		case model.HasMany, model.HasOne:
			return join{key: rel.ForeignKey, otherKey: other.PrimaryKey}, nil
		case model.ManyToMany:
			return join{through: &model.Through{
				Table:     rel.Through.Table,
				SourceKey: rel.Through.TargetKey,
				TargetKey: rel.Through.SourceKey,
			}}, nil
		}
	}
	return join{}, fmt.Errorf("pgstore: no relation between %s and %s", e.Name, other.Name)
}

func insertSQL(e *model.Entity, fields map[string]any) (string, []any) {
	b := &builder{}
	b.write("INSERT INTO ", tableIdent(e))
	if len(fields) == 0 {
		b.write(" DEFAULT VALUES RETURNING *")
		return b.sql.String(), nil
	}

	keys := slices.Sorted(maps.Keys(fields))
	cols := make([]string, len(keys))
	ph := make([]string, len(keys))
	for i, k := range keys {
		cols[i] = pgx.Identifier{k}.Sanitize()
		ph[i] = b.placeholder(fields[k])
	}
	b.write(" (", strings.Join(cols, ", "), ") VALUES (", strings.Join(ph, ", "), ") RETURNING *")
	return b.sql.String(), b.args
}

// updateSQL returns an empty statement when fields holds nothing but the primary key.
func updateSQL(e *model.Entity, pk any, fields map[string]any) (string, []any) {
	keys := slices.Sorted(maps.Keys(fields))
	keys = slices.DeleteFunc(keys, func(k string) bool { return k == e.PrimaryKey })
	if len(keys) == 0 {
		return "", nil
	}

	b := &builder{}
	sets := make([]string, len(keys))
	for i, k := range keys {
		sets[i] = pgx.Identifier{k}.Sanitize() + " = " + b.placeholder(fields[k])
	}
	b.write("UPDATE ", tableIdent(e), " SET ", strings.Join(sets, ", "),
		" WHERE ", pgx.Identifier{e.PrimaryKey}.Sanitize(), " = ", b.placeholder(pk), " RETURNING *")
	return b.sql.String(), b.args
}

func deleteSQL(e *model.Entity, pk any) (string, []any) {
	b := &builder{}
	b.write("DELETE FROM ", tableIdent(e), " WHERE ", pgx.Identifier{e.PrimaryKey}.Sanitize(), " = ", b.placeholder(pk))
	return b.sql.String(), b.args
}

func linkSQL(schema string, t *model.Through, source, target any) (string, []any) {
	b := &builder{}
	b.write("INSERT INTO ", tableIdent(&model.Entity{Schema: schema, Table: t.Table}),
		" (", pgx.Identifier{t.SourceKey}.Sanitize(), ", ", pgx.Identifier{t.TargetKey}.Sanitize(), ") VALUES (",
		b.placeholder(source), ", ", b.placeholder(target), ")")
	return b.sql.String(), b.args
}

// arg adapts decoded JSON values for parameter encoding: json.Number and whole floats
// become integers where possible, so they encode into integer columns.
func arg(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		return n.String()
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
	}
	return v
}
