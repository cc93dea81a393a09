// Package store defines the storage engine contract that compiled queries are
// dispatched against.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/edgeflare/restbuddy/pkg/query"
)

// Record is a single row or document.
type Record map[string]any

var ErrNotFound = errors.New("store: not found")

// ValidationError reports a rejected create or update payload. Fields maps each
// offending field to a description of the problem.
type ValidationError struct {
	Entity string            `json:"entity"`
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	keys := slices.Sorted(maps.Keys(e.Fields))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, e.Fields[k])
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Entity, strings.Join(parts, "; "))
}

// Store executes compiled queries. Implementations return ErrNotFound when FindOne
// matches nothing and *ValidationError for rejected payloads; any other error is an
// unexpected storage failure.
type Store interface {
	FindOne(ctx context.Context, q *query.Descriptor) (Record, error)
	FindMany(ctx context.Context, q *query.Descriptor) ([]Record, error)
	Create(ctx context.Context, e *model.Entity, fields Record) (Record, error)
	// CreateRelated creates a child entity linked to parent through the relation child
	// declares towards parentEntity (or parentEntity towards child).
	CreateRelated(ctx context.Context, parentEntity *model.Entity, parent Record, child *model.Entity, fields Record) (Record, error)
	Update(ctx context.Context, e *model.Entity, instance Record, fields Record) (Record, error)
	Delete(ctx context.Context, e *model.Entity, instance Record) error
}

// Validate checks fields against e: unknown fields and missing required fields are
// reported. With partial set, required fields may be absent (updates).
func Validate(e *model.Entity, fields Record, partial bool) error {
	problems := make(map[string]string)
	for k := range fields {
		if !e.HasField(k) {
			problems[k] = "unknown field"
		}
	}
	if !partial {
		for _, f := range e.Fields {
			if !f.Required || f.PrimaryKey {
				continue
			}
			if v, ok := fields[f.Name]; !ok || v == nil {
				problems[f.Name] = "is required"
			}
		}
	} else {
		for _, f := range e.Fields {
			if v, ok := fields[f.Name]; ok && v == nil && f.Required {
				problems[f.Name] = "cannot be null"
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Entity: e.Name, Fields: problems}
	}
	return nil
}

// ParentLink describes how a new child row is attached to its parent.
type ParentLink struct {
	// ChildKey, when set, is a column of the child that receives ParentValue.
	ChildKey    string
	ParentValue any
	// Through is set for many-to-many relations; the child is created first and a
	// junction row linking both primary keys is inserted afterwards. Through.SourceKey
	// references the child, Through.TargetKey the parent.
	Through *model.Through
}

// LinkFor resolves the relation between parent and child from their declared relations.
func LinkFor(parentEntity *model.Entity, parent Record, child *model.Entity) (ParentLink, error) {
	if rel, ok := child.RelationTo(parentEntity.Name); ok {
		switch rel.Kind {
		case model.BelongsTo:
			return ParentLink{ChildKey: rel.ForeignKey, ParentValue: parent[parentEntity.PrimaryKey]}, nil
		case model.ManyToMany:
			return ParentLink{Through: rel.Through, ParentValue: parent[parentEntity.PrimaryKey]}, nil
		}
	}
	if rel, ok := parentEntity.RelationTo(child.Name); ok {
		switch rel.Kind {
		case model.HasMany, model.HasOne:
			return ParentLink{ChildKey: rel.ForeignKey, ParentValue: parent[parentEntity.PrimaryKey]}, nil
		case model.ManyToMany:
			return ParentLink{
				Through:     &model.Through{Table: rel.Through.Table, SourceKey: rel.Through.TargetKey, TargetKey: rel.Through.SourceKey},
				ParentValue: parent[parentEntity.PrimaryKey],
			}, nil
		}
	}
	return ParentLink{}, fmt.Errorf("store: %s has no relation to %s", child.Name, parentEntity.Name)
}
