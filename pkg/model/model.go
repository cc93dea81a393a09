// Package model describes the entity types a storage engine exposes and resolves route
// resource names (users, channels, user_profiles) to them.
package model

import (
	"slices"
	"sort"
	"sync"
)

type RelationKind string

const (
	HasMany    RelationKind = "hasMany"
	HasOne     RelationKind = "hasOne"
	BelongsTo  RelationKind = "belongsTo"
	ManyToMany RelationKind = "manyToMany"
)

// Field is a column of an entity.
type Field struct {
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	Required   bool   `json:"required,omitempty"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

// Through names the junction table of a many-to-many relation.
type Through struct {
	Table     string `json:"table"`
	SourceKey string `json:"source_key"` // junction column referencing the owning entity
	TargetKey string `json:"target_key"` // junction column referencing the target entity
}

// Relation links an entity to Target.
//
// For BelongsTo, ForeignKey is a column of the owning entity referencing Target.
// For HasMany and HasOne, ForeignKey is a column of Target referencing the owner.
// For ManyToMany, ForeignKey is unused and Through describes the junction.
type Relation struct {
	Kind       RelationKind `json:"kind"`
	Target     string       `json:"target"`
	ForeignKey string       `json:"foreign_key,omitempty"`
	Through    *Through     `json:"through,omitempty"`
}

// Entity describes one entity type, e.g. User stored in table users.
type Entity struct {
	Name       string     `json:"name"`
	Schema     string     `json:"schema,omitempty"`
	Table      string     `json:"table"`
	PrimaryKey string     `json:"primary_key"`
	Fields     []Field    `json:"fields"`
	Relations  []Relation `json:"relations,omitempty"`
}

// HasField reports whether name is a field of e.
func (e *Entity) HasField(name string) bool {
	return e.Field(name) != nil
}

func (e *Entity) Field(name string) *Field {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

// FieldNames returns the names of all fields in declaration order.
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// RelationTo returns the declared relation from e to the entity named target.
func (e *Entity) RelationTo(target string) (Relation, bool) {
	for _, rel := range e.Relations {
		if rel.Target == target {
			return rel, true
		}
	}
	return Relation{}, false
}

// Registry looks up entity types by their normalized name (User, Channel, UserProfile).
type Registry interface {
	Entity(name string) (*Entity, bool)
	Entities() []*Entity
}

// MemoryRegistry is a Registry backed by a map. It is safe for concurrent use.
type MemoryRegistry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

var _ Registry = (*MemoryRegistry)(nil)

func NewRegistry(entities ...*Entity) *MemoryRegistry {
	r := &MemoryRegistry{entities: make(map[string]*Entity, len(entities))}
	for _, e := range entities {
		r.Register(e)
	}
	return r
}

// Register adds or replaces e.
func (r *MemoryRegistry) Register(e *Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e.Name] = e
}

// Replace swaps the full set of entities, used when the schema is reloaded.
func (r *MemoryRegistry) Replace(entities []*Entity) {
	m := make(map[string]*Entity, len(entities))
	for _, e := range entities {
		m[e.Name] = e
	}
	r.mu.Lock()
	r.entities = m
	r.mu.Unlock()
}

func (r *MemoryRegistry) Entity(name string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[name]
	return e, ok
}

// Entities returns all entities sorted by name.
func (r *MemoryRegistry) Entities() []*Entity {
	r.mu.RLock()
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Relate declares a one-to-many relation between parent and child, with fk being the
// column of child referencing parent's primary key. Both directions are recorded.
func Relate(parent, child *Entity, fk string) {
	parent.Relations = appendRelation(parent.Relations, Relation{Kind: HasMany, Target: child.Name, ForeignKey: fk})
	child.Relations = appendRelation(child.Relations, Relation{Kind: BelongsTo, Target: parent.Name, ForeignKey: fk})
}

// RelateOne is Relate for one-to-one relations.
func RelateOne(parent, child *Entity, fk string) {
	parent.Relations = appendRelation(parent.Relations, Relation{Kind: HasOne, Target: child.Name, ForeignKey: fk})
	child.Relations = appendRelation(child.Relations, Relation{Kind: BelongsTo, Target: parent.Name, ForeignKey: fk})
}

// RelateMany declares a many-to-many relation between a and b through a junction table
// whose aKey and bKey columns reference a and b respectively.
func RelateMany(a, b *Entity, table, aKey, bKey string) {
	a.Relations = appendRelation(a.Relations, Relation{
		Kind:    ManyToMany,
		Target:  b.Name,
		Through: &Through{Table: table, SourceKey: aKey, TargetKey: bKey},
	})
	b.Relations = appendRelation(b.Relations, Relation{
		Kind:    ManyToMany,
		Target:  a.Name,
		Through: &Through{Table: table, SourceKey: bKey, TargetKey: aKey},
	})
}

func appendRelation(rels []Relation, rel Relation) []Relation {
	if slices.ContainsFunc(rels, func(r Relation) bool { return r.Target == rel.Target }) {
		return rels
	}
	return append(rels, rel)
}
