// Package query builds the storage-neutral query descriptor for a request: the target
// entity, its filters, ordering and pagination, and the chain of ancestor joins a nested
// route implies.
//
// For GET /users/1/channels?order=-name the compiled descriptor looks like
//
//	Descriptor{Model: Channel, Order: name desc,
//		Include: &Descriptor{Model: User, Where: {id: [eq 1]}, JoinOnly: true}}
//
// i.e. "select channels, joined to the user whose id is 1".
package query

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/edgeflare/restbuddy/pkg/model"
)

// Operator is a comparison operator of a Predicate.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNeq   Operator = "neq"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
	OpLike  Operator = "like"
	OpILike Operator = "ilike"
	OpIn    Operator = "in" // Value is a []any
	OpIs    Operator = "is" // Value is nil, true or false
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpLike, OpILike, OpIn, OpIs:
		return true
	}
	return false
}

// Predicate is a single comparison against a field.
type Predicate struct {
	Op    Operator
	Value any
}

func Eq(v any) Predicate { return Predicate{Op: OpEq, Value: v} }

func (p Predicate) String() string {
	return fmt.Sprintf("%s %v", p.Op, p.Value)
}

// Where maps field names to predicates. All predicates, across and within fields, must
// hold (logical AND).
type Where map[string][]Predicate

// And returns the conjunction of w and o. Neither is modified.
func (w Where) And(o Where) Where {
	out := make(Where, len(w)+len(o))
	for k, ps := range w {
		out[k] = slices.Clone(ps)
	}
	for k, ps := range o {
		out[k] = append(out[k], ps...)
	}
	return out
}

// Fields returns the filtered field names, sorted.
func (w Where) Fields() []string {
	return slices.Sorted(maps.Keys(w))
}

// Direction of an ordering.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type Order struct {
	Field     string
	Direction Direction
}

// Descriptor is the compiled query of one request.
//
// Only the outermost (leaf) descriptor carries Order, Limit and Offset. Each Include is an
// ancestor restricted to its own identifying conditions, with JoinOnly set so that no
// column of it is selected.
type Descriptor struct {
	Model    *model.Entity
	Where    Where
	Order    *Order
	Limit    *int
	Offset   *int
	Include  *Descriptor
	JoinOnly bool
}

// And merges w into the descriptor's filters.
func (d *Descriptor) And(w Where) {
	d.Where = d.Where.And(w)
}

// Depth returns the number of nested includes.
func (d *Descriptor) Depth() int {
	n := 0
	for inc := d.Include; inc != nil; inc = inc.Include {
		n++
	}
	return n
}

// Ancestors returns the include chain, immediate parent first.
func (d *Descriptor) Ancestors() []*Descriptor {
	var out []*Descriptor
	for inc := d.Include; inc != nil; inc = inc.Include {
		out = append(out, inc)
	}
	return out
}

// String renders the descriptor for logs, e.g.
// "Channel where id=[eq b] include(User where id=[eq a])".
func (d *Descriptor) String() string {
	if d == nil {
		return "<nil>"
	}
	var b strings.Builder
	if d.Model != nil {
		b.WriteString(d.Model.Name)
	}
	if len(d.Where) > 0 {
		b.WriteString(" where")
		for _, f := range d.Where.Fields() {
			fmt.Fprintf(&b, " %s=%v", f, d.Where[f])
		}
	}
	if d.Order != nil {
		fmt.Fprintf(&b, " order %s %s", d.Order.Field, d.Order.Direction)
	}
	if d.Limit != nil {
		fmt.Fprintf(&b, " limit %d", *d.Limit)
	}
	if d.Offset != nil {
		fmt.Fprintf(&b, " offset %d", *d.Offset)
	}
	if d.Include != nil {
		fmt.Fprintf(&b, " include(%s)", d.Include)
	}
	return b.String()
}
