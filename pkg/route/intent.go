package route

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrMethodNotSupported = errors.New("method not supported for route")

// Intent is the CRUD action implied by a request.
type Intent int

const (
	List Intent = iota + 1
	Show
	Create
	Update
	Destroy
)

var intentNames = map[Intent]string{
	List:    "list",
	Show:    "show",
	Create:  "create",
	Update:  "update",
	Destroy: "destroy",
}

func (i Intent) String() string {
	if s, ok := intentNames[i]; ok {
		return s
	}
	return fmt.Sprintf("Intent(%d)", int(i))
}

// Classify derives the intent from the HTTP method and whether the route ends in a
// placeholder:
//
//	GET        /users      list
//	GET        /users/:id  show
//	POST       /users      create
//	PUT|PATCH  /users/:id  update
//	DELETE     /users/:id  destroy
//
// HEAD is classified like GET. Any other combination yields ErrMethodNotSupported.
func Classify(method string, tpl Template) (Intent, error) {
	single := tpl.EndsWithPlaceholder()
	switch {
	case method == http.MethodGet || method == http.MethodHead:
		if single {
			return Show, nil
		}
		return List, nil
	case method == http.MethodPost && !single:
		return Create, nil
	case (method == http.MethodPut || method == http.MethodPatch) && single:
		return Update, nil
	case method == http.MethodDelete && single:
		return Destroy, nil
	}
	return 0, fmt.Errorf("%w: %s %s", ErrMethodNotSupported, method, tpl)
}
