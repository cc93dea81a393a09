package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/edgeflare/restbuddy/pkg/query"
	"github.com/edgeflare/restbuddy/pkg/route"
	"github.com/edgeflare/restbuddy/pkg/store"
)

var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrInvalidBody    = errors.New("invalid JSON body")
	ErrNoRoute        = errors.New("request has no matched route template")
)

// EntityNotFoundError reports that a resolved model had no row matching the request.
type EntityNotFoundError struct {
	Entity string
}

func (e *EntityNotFoundError) Error() string {
	return e.Entity + " not found"
}

func (e *EntityNotFoundError) Is(target error) bool { return target == ErrEntityNotFound }

// StatusFor maps an outcome error onto its HTTP status. Errors that are not one of the
// request-level conditions map to 500.
func StatusFor(err error) int {
	var verr *store.ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, query.ErrResourceNotFound), errors.Is(err, ErrEntityNotFound):
		return http.StatusNotFound
	case errors.As(err, &verr), errors.Is(err, ErrInvalidBody):
		return http.StatusBadRequest
	case errors.Is(err, route.ErrMethodNotSupported), errors.Is(err, route.ErrRouteMalformed):
		return http.StatusMethodNotAllowed
	}
	return http.StatusInternalServerError
}

// Recoverable reports whether err is a request-level condition that is answered with an
// Outcome rather than handed to the ErrorHandler.
func Recoverable(err error) bool {
	return StatusFor(err) != http.StatusInternalServerError
}

// ErrorHandler answers requests that failed with an unexpected error.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

func invalidBody(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidBody, err)
}
