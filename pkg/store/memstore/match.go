package memstore

import (
	"cmp"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/edgeflare/restbuddy/pkg/query"
	"github.com/edgeflare/restbuddy/pkg/store"
)

func matchWhere(w query.Where, rec store.Record) (bool, error) {
	for field, preds := range w {
		for _, p := range preds {
			ok, err := match(p, rec[field])
			if err != nil {
				return false, fmt.Errorf("memstore: %s: %w", field, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func match(p query.Predicate, v any) (bool, error) {
	switch p.Op {
	case query.OpEq:
		return v != nil && equal(v, p.Value), nil
	case query.OpNeq:
		return v != nil && !equal(v, p.Value), nil
	case query.OpGt:
		return v != nil && compare(v, p.Value) > 0, nil
	case query.OpGte:
		return v != nil && compare(v, p.Value) >= 0, nil
	case query.OpLt:
		return v != nil && compare(v, p.Value) < 0, nil
	case query.OpLte:
		return v != nil && compare(v, p.Value) <= 0, nil
	case query.OpLike, query.OpILike:
		if v == nil {
			return false, nil
		}
		re, err := likePattern(fmt.Sprint(p.Value), p.Op == query.OpILike)
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprint(v)), nil
	case query.OpIn:
		vals, ok := p.Value.([]any)
		if !ok {
			return false, fmt.Errorf("in: want []any, got %T", p.Value)
		}
		for _, x := range vals {
			if v != nil && equal(v, x) {
				return true, nil
			}
		}
		return false, nil
	case query.OpIs:
		if p.Value == nil {
			return v == nil, nil
		}
		return v != nil && equal(v, p.Value), nil
	}
	return false, fmt.Errorf("unsupported operator %q", p.Op)
}

// equal compares loosely: path and query values arrive as strings while stored values
// keep their type, so 1, int64(1), float64(1) and "1" are all equal.
func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return compare(a, b) == 0
}

// compare orders numbers numerically when both sides parse as numbers and falls back
// to string comparison otherwise. nil sorts first.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	fa, aok := number(a)
	fb, bok := number(b)
	if aok && bok {
		return cmp.Compare(fa, fb)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// likePattern translates a SQL LIKE pattern into an anchored regular expression.
func likePattern(pattern string, fold bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if fold {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, c := range pattern {
		switch c {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
