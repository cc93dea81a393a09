package route

import "fmt"

// Segment is one resource named in a route along with the values of the placeholders
// that directly follow it.
type Segment struct {
	Name       string
	Conditions map[string]string
}

// Chain lists the resources of a route, outermost ancestor first and target last.
type Chain []Segment

// Leaf returns the target resource of the chain.
func (c Chain) Leaf() Segment {
	return c[len(c)-1]
}

// Params groups the placeholder values by the resource they belong to, e.g.
// {"users": {"id": "a"}, "channels": {"id": "b"}}.
func (c Chain) Params() map[string]map[string]string {
	params := make(map[string]map[string]string, len(c))
	for _, seg := range c {
		params[seg.Name] = seg.Conditions
	}
	return params
}

// ParseChain walks tpl and path in lock-step, grouping each literal token with the
// placeholders that follow it. Placeholder values come from path at the same index.
func ParseChain(tpl Template, path Path) (Chain, error) {
	if len(tpl) != len(path) {
		return nil, fmt.Errorf("%w: template has %d segments, path has %d", ErrMisaligned, len(tpl), len(path))
	}

	var chain Chain
	for i := 0; i < len(tpl); {
		tok := tpl[i]
		if tok.IsPlaceholder() {
			return nil, fmt.Errorf("%w: %s: placeholder %q has no resource", ErrRouteMalformed, tpl, tok)
		}

		seg := Segment{Name: tok.Value, Conditions: make(map[string]string)}
		i++
		for ; i < len(tpl) && tpl[i].IsPlaceholder(); i++ {
			seg.Conditions[tpl[i].Value] = path[i]
		}
		chain = append(chain, seg)
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty route", ErrRouteMalformed)
	}
	return chain, nil
}

// Parse is Align followed by ParseChain.
func Parse(template, urlPath string) (Template, Chain, error) {
	tpl, path, err := Align(template, urlPath)
	if err != nil {
		return nil, nil, err
	}
	chain, err := ParseChain(tpl, path)
	if err != nil {
		return nil, nil, err
	}
	return tpl, chain, nil
}
