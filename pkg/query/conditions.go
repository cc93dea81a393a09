package query

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/mitchellh/mapstructure"
)

// Transformer turns the raw value of a query-string parameter into filters, e.g. a
// "search" parameter into a substring match on name.
type Transformer func(raw string) Where

// Transformers are keyed by query-string parameter name.
type Transformers map[string]Transformer

// FilterConditions keeps the query-string parameters that name a field of e or a
// configured transformer. Unknown parameters are dropped silently. Only the first value
// of a repeated parameter is used.
func FilterConditions(values url.Values, e *model.Entity, t Transformers) map[string]string {
	conds := make(map[string]string)
	for k, vs := range values {
		if len(vs) == 0 {
			continue
		}
		if _, ok := t[k]; ok || e.HasField(k) {
			conds[k] = vs[0]
		}
	}
	return conds
}

// ApplyTransformers converts conds into a Where. Keys with a transformer are replaced by
// the transformer's output; the rest become equality filters. Where a transformed field
// collides with a passthrough one, the transformed predicates win.
func ApplyTransformers(conds map[string]string, t Transformers) Where {
	w := make(Where, len(conds))
	for k, v := range conds {
		if _, ok := t[k]; !ok {
			w[k] = []Predicate{Eq(v)}
		}
	}
	for k, v := range conds {
		fn, ok := t[k]
		if !ok || fn == nil {
			continue
		}
		for field, ps := range fn(v) {
			w[field] = ps
		}
	}
	return w
}

// Conditions runs the whole pipeline: FilterConditions then ApplyTransformers.
func Conditions(values url.Values, e *model.Entity, t Transformers) Where {
	return ApplyTransformers(FilterConditions(values, e, t), t)
}

// TransformerSpec declares a transformer in configuration:
//
//	search:
//	  field: name
//	  op: ilike
//	  format: "%%%s%%"
//
// Format is a fmt verb applied to the raw value; it defaults to "%s".
type TransformerSpec struct {
	Field  string   `mapstructure:"field" validate:"required"`
	Op     Operator `mapstructure:"op"`
	Format string   `mapstructure:"format"`
	Split  string   `mapstructure:"split"` // separator for the "in" operator, default ","
}

// Transformer builds the function described by s.
func (s TransformerSpec) Transformer() (Transformer, error) {
	if s.Field == "" {
		return nil, fmt.Errorf("transformer: field is required")
	}
	op := s.Op
	if op == "" {
		op = OpEq
	}
	if !op.Valid() {
		return nil, fmt.Errorf("transformer %s: unknown operator %q", s.Field, op)
	}
	format := s.Format
	if format == "" {
		format = "%s"
	}
	sep := s.Split
	if sep == "" {
		sep = ","
	}

	return func(raw string) Where {
		v := fmt.Sprintf(format, raw)
		if op == OpIn {
			parts := strings.Split(v, sep)
			vals := make([]any, len(parts))
			for i, p := range parts {
				vals[i] = strings.TrimSpace(p)
			}
			return Where{s.Field: {{Op: OpIn, Value: vals}}}
		}
		return Where{s.Field: {{Op: op, Value: v}}}
	}, nil
}

// DecodeTransformers builds Transformers from loosely typed configuration, as produced
// by viper: map[name]map[string]any.
func DecodeTransformers(raw map[string]any) (Transformers, error) {
	specs := make(map[string]TransformerSpec, len(raw))
	if err := mapstructure.Decode(raw, &specs); err != nil {
		return nil, fmt.Errorf("decode transformers: %w", err)
	}
	return BuildTransformers(specs)
}

func BuildTransformers(specs map[string]TransformerSpec) (Transformers, error) {
	t := make(Transformers, len(specs))
	for name, spec := range specs {
		fn, err := spec.Transformer()
		if err != nil {
			return nil, fmt.Errorf("transformer %q: %w", name, err)
		}
		t[name] = fn
	}
	return t, nil
}
