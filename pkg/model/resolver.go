package model

import (
	"strings"
	"unicode"
	"unicode/utf8"

	pluralize "github.com/gertd/go-pluralize"
)

// Resolver maps route resource names onto registry entities.
type Resolver struct {
	registry Registry
	inflect  *pluralize.Client
}

func NewResolver(registry Registry) *Resolver {
	return &Resolver{registry: registry, inflect: pluralize.NewClient()}
}

// Resolve returns the entity for a resource name such as "users" or "user_profiles".
// A missing entity is reported with ok == false, not as an error.
func (r *Resolver) Resolve(resource string) (*Entity, bool) {
	return r.registry.Entity(r.EntityName(resource))
}

// EntityName singularizes, camelizes and upper-cases the first letter of resource:
// "users" -> "User", "user_profiles" -> "UserProfile", "people" -> "Person".
func (r *Resolver) EntityName(resource string) string {
	return upperFirst(camelize(r.inflect.Singular(resource)))
}

// camelize drops '-', '_' and spaces, upper-casing the letter that follows each run.
func camelize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	upper := false
	for _, c := range strings.TrimSpace(s) {
		if c == '-' || c == '_' || unicode.IsSpace(c) {
			upper = true
			continue
		}
		if upper {
			c = unicode.ToUpper(c)
			upper = false
		}
		b.WriteRune(c)
	}
	return b.String()
}

func upperFirst(s string) string {
	c, n := utf8.DecodeRuneInString(s)
	if c == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(c)) + s[n:]
}
