// Package route turns a registered route template and a concrete request path into an
// ordered chain of resource lookups, and classifies the CRUD intent of a request.
//
// Templates use a leading colon for placeholders:
//
//	/users/:id/channels/:id
//
// The same placeholder name may appear at several depths. Values are always read
// positionally from the request path, so /users/a/channels/b yields users{id:a} and
// channels{id:b}, something a name-keyed parameter map cannot represent.
package route

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ParamPrefix marks a placeholder segment in a route template.
const ParamPrefix = ':'

var (
	ErrRouteMalformed = errors.New("route malformed")
	ErrMisaligned     = errors.New("request path does not match route template")
)

type TokenKind int

const (
	Literal TokenKind = iota
	Placeholder
)

func (k TokenKind) String() string {
	if k == Placeholder {
		return "placeholder"
	}
	return "literal"
}

// Token is one segment of a route template. For placeholders Value holds the bare
// parameter name, without the leading colon.
type Token struct {
	Kind  TokenKind
	Value string
}

func (t Token) IsPlaceholder() bool { return t.Kind == Placeholder }

func (t Token) String() string {
	if t.Kind == Placeholder {
		return string(ParamPrefix) + t.Value
	}
	return t.Value
}

// Template is a tokenized route template.
type Template []Token

// Path holds the literal segments of a request path.
type Path []string

// Split breaks a path into its non-empty segments. Anything after '?' is dropped.
func Split(p string) []string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseTemplate tokenizes a route template and checks that it starts with a resource name
// and that no placeholder is empty. ServeMux wildcards, empty segments and a trailing
// slash are rejected: each would match paths that cannot be aligned with the template.
func ParseTemplate(s string) (Template, error) {
	if strings.Contains(s, "//") || (len(s) > 1 && strings.HasSuffix(s, "/")) {
		return nil, fmt.Errorf("%w: empty segment in %q", ErrRouteMalformed, s)
	}
	parts := Split(s)
	tpl := make(Template, 0, len(parts))
	for i, part := range parts {
		if strings.ContainsAny(part, "{}") {
			return nil, fmt.Errorf("%w: wildcard %q at position %d in %q, use :name", ErrRouteMalformed, part, i, s)
		}
		if part[0] != ParamPrefix {
			tpl = append(tpl, Token{Kind: Literal, Value: part})
			continue
		}
		if len(part) == 1 {
			return nil, fmt.Errorf("%w: empty placeholder at position %d in %q", ErrRouteMalformed, i, s)
		}
		tpl = append(tpl, Token{Kind: Placeholder, Value: part[1:]})
	}
	if len(tpl) == 0 {
		return nil, fmt.Errorf("%w: %q has no segments", ErrRouteMalformed, s)
	}
	if tpl[0].IsPlaceholder() {
		return nil, fmt.Errorf("%w: %q must start with a resource name", ErrRouteMalformed, s)
	}
	return tpl, nil
}

// String renders the template back in its :param form with a leading slash.
func (t Template) String() string {
	var b strings.Builder
	for _, tok := range t {
		b.WriteByte('/')
		b.WriteString(tok.String())
	}
	return b.String()
}

// EndsWithPlaceholder reports whether the final segment names a specific entity.
func (t Template) EndsWithPlaceholder() bool {
	return len(t) > 0 && t[len(t)-1].IsPlaceholder()
}

// Align tokenizes template and splits urlPath, returning two sequences of equal length.
// Path segments are unescaped.
func Align(template, urlPath string) (Template, Path, error) {
	tpl, err := ParseTemplate(template)
	if err != nil {
		return nil, nil, err
	}
	raw := Split(urlPath)
	if len(raw) != len(tpl) {
		return nil, nil, fmt.Errorf("%w: %q has %d segments, %q has %d",
			ErrMisaligned, template, len(tpl), urlPath, len(raw))
	}
	path := make(Path, len(raw))
	for i, seg := range raw {
		v, err := url.PathUnescape(seg)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: segment %q: %v", ErrMisaligned, seg, err)
		}
		if !tpl[i].IsPlaceholder() && v != tpl[i].Value {
			return nil, nil, fmt.Errorf("%w: segment %d is %q, want %q", ErrMisaligned, i, v, tpl[i].Value)
		}
		path[i] = v
	}
	return tpl, path, nil
}
