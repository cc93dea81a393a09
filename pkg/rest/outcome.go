package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/edgeflare/restbuddy/pkg/httputil"
	"github.com/edgeflare/restbuddy/pkg/route"
	"github.com/edgeflare/restbuddy/pkg/store"
)

const (
	OutcomeCtxKey httputil.ContextKey = "Outcome"
	ParamsCtxKey  httputil.ContextKey = "Params"
)

// Outcome is the result of one dispatched request. Data is a store.Record for show,
// create, update and destroy and a []store.Record for list. Err is set for the
// request-level failures StatusFor knows about.
type Outcome struct {
	Status int
	Intent route.Intent
	Data   any
	Err    error
}

func failed(intent route.Intent, err error) Outcome {
	return Outcome{Status: StatusFor(err), Intent: intent, Err: err}
}

// OutcomeFrom returns the outcome the middleware attached to r.
func OutcomeFrom(r *http.Request) (*Outcome, bool) {
	o, ok := r.Context().Value(OutcomeCtxKey).(*Outcome)
	return o, ok
}

// ParamsFrom returns the route placeholder values grouped by resource, e.g.
// {"users": {"id": "1"}, "channels": {"id": "2"}}.
func ParamsFrom(r *http.Request) map[string]map[string]string {
	p, _ := r.Context().Value(ParamsCtxKey).(map[string]map[string]string)
	return p
}

func withOutcome(ctx context.Context, o *Outcome, params map[string]map[string]string) context.Context {
	ctx = context.WithValue(ctx, OutcomeCtxKey, o)
	return context.WithValue(ctx, ParamsCtxKey, params)
}

// Send is the default response stage: it writes the outcome as JSON. Destroy answers 204
// without a body; failures are written as httputil.ErrorResponse with validation
// problems as details.
func Send(w http.ResponseWriter, r *http.Request) {
	o, ok := OutcomeFrom(r)
	if !ok {
		httputil.Error(w, http.StatusInternalServerError, ErrNoRoute.Error())
		return
	}

	if o.Err != nil {
		var verr *store.ValidationError
		if errors.As(o.Err, &verr) {
			httputil.ErrorWithDetails(w, o.Status, verr.Error(), verr.Fields)
			return
		}
		httputil.Error(w, o.Status, o.Err.Error())
		return
	}

	if o.Status == http.StatusNoContent {
		w.WriteHeader(o.Status)
		return
	}
	httputil.JSON(w, o.Status, o.Data)
}
