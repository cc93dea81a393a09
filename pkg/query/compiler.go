package query

import (
	"errors"
	"fmt"

	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/edgeflare/restbuddy/pkg/route"
)

var ErrResourceNotFound = errors.New("resource does not exist")

// ResourceNotFoundError names the route resource that has no entity.
type ResourceNotFoundError struct {
	Resource string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource %q does not exist", e.Resource)
}

func (e *ResourceNotFoundError) Is(target error) bool { return target == ErrResourceNotFound }

// Compiler folds a resource chain into a nested Descriptor.
type Compiler struct {
	resolver *model.Resolver
}

func NewCompiler(resolver *model.Resolver) *Compiler {
	return &Compiler{resolver: resolver}
}

// Compile resolves every segment of chain and nests them so that the leaf is the
// outermost descriptor and the root the innermost include. Path parameters become
// equality predicates of their own segment.
func (c *Compiler) Compile(chain route.Chain) (*Descriptor, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty resource chain", route.ErrRouteMalformed)
	}

	var prev *Descriptor
	for _, seg := range chain {
		e, ok := c.resolver.Resolve(seg.Name)
		if !ok {
			return nil, &ResourceNotFoundError{Resource: seg.Name}
		}

		cur := &Descriptor{Model: e, Where: conditionsWhere(seg.Conditions)}
		if prev != nil {
			prev.JoinOnly = true
			cur.Include = prev
		}
		prev = cur
	}
	return prev, nil
}

func conditionsWhere(conds map[string]string) Where {
	w := make(Where, len(conds))
	for k, v := range conds {
		w[k] = []Predicate{Eq(v)}
	}
	return w
}
