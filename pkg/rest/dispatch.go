package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/edgeflare/restbuddy/pkg/metrics"
	"github.com/edgeflare/restbuddy/pkg/notify"
	"github.com/edgeflare/restbuddy/pkg/query"
	"github.com/edgeflare/restbuddy/pkg/route"
	"github.com/edgeflare/restbuddy/pkg/store"
	"go.uber.org/zap"
)

// Dispatcher runs a compiled query against the store according to the request intent.
type Dispatcher struct {
	store     store.Store
	logger    *zap.Logger
	publisher notify.Publisher
}

// NewDispatcher returns a Dispatcher. A nil logger or publisher disables logging or
// event publishing respectively.
func NewDispatcher(st store.Store, logger *zap.Logger, publisher notify.Publisher) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Dispatcher{store: st, logger: logger, publisher: publisher}
}

// Dispatch executes intent. Show, update and destroy look the entity up first and fail
// with *EntityNotFoundError when nothing matches; list never fails on an empty result.
// Unexpected storage errors are returned in Outcome.Err with status 500.
func (d *Dispatcher) Dispatch(ctx context.Context, intent route.Intent, q *query.Descriptor, body store.Record) Outcome {
	start := time.Now()
	d.logger.Debug("dispatch", zap.Stringer("intent", intent), zap.Stringer("query", q))

	var o Outcome
	switch intent {
	case route.List:
		o = d.list(ctx, q)
	case route.Show:
		o = d.show(ctx, q)
	case route.Create:
		o = d.create(ctx, q, body)
	case route.Update:
		o = d.update(ctx, q, body)
	case route.Destroy:
		o = d.destroy(ctx, q)
	default:
		o = failed(intent, fmt.Errorf("%w: %s", route.ErrMethodNotSupported, intent))
	}
	o.Intent = intent

	metrics.ObserveDispatch(intent.String(), q.Model.Name, outcomeLabel(o), time.Since(start))
	if o.Status == http.StatusInternalServerError {
		d.logger.Error("storage failure",
			zap.Stringer("intent", intent),
			zap.String("model", q.Model.Name),
			zap.Error(o.Err))
	}
	return o
}

func (d *Dispatcher) list(ctx context.Context, q *query.Descriptor) Outcome {
	recs, err := d.store.FindMany(ctx, q)
	if err != nil {
		return failed(route.List, err)
	}
	if recs == nil {
		recs = []store.Record{}
	}
	return Outcome{Status: http.StatusOK, Data: recs}
}

func (d *Dispatcher) show(ctx context.Context, q *query.Descriptor) Outcome {
	rec, err := d.findOne(ctx, q)
	if err != nil {
		return failed(route.Show, err)
	}
	return Outcome{Status: http.StatusOK, Data: rec}
}

func (d *Dispatcher) create(ctx context.Context, q *query.Descriptor, body store.Record) Outcome {
	var (
		rec store.Record
		err error
	)
	switch ancestors := q.Ancestors(); len(ancestors) {
	case 0:
		rec, err = d.store.Create(ctx, q.Model, body)
	case 1:
		parent := ancestors[0]
		var p store.Record
		p, err = d.findOne(ctx, &query.Descriptor{Model: parent.Model, Where: parent.Where})
		if err != nil {
			return failed(route.Create, err)
		}
		rec, err = d.store.CreateRelated(ctx, parent.Model, p, q.Model, body)
	default:
		err = fmt.Errorf("%w: create under %d ancestors is not supported", route.ErrRouteMalformed, len(ancestors))
	}
	if err != nil {
		return failed(route.Create, err)
	}

	d.publish(ctx, notify.NewEvent(notify.OpCreate, q.Model, nil, rec))
	return Outcome{Status: http.StatusCreated, Data: rec}
}

func (d *Dispatcher) update(ctx context.Context, q *query.Descriptor, body store.Record) Outcome {
	before, err := d.findOne(ctx, q)
	if err != nil {
		return failed(route.Update, err)
	}
	after, err := d.store.Update(ctx, q.Model, before, body)
	if err != nil {
		return failed(route.Update, notFound(q, err))
	}

	d.publish(ctx, notify.NewEvent(notify.OpUpdate, q.Model, before, after))
	return Outcome{Status: http.StatusOK, Data: after}
}

func (d *Dispatcher) destroy(ctx context.Context, q *query.Descriptor) Outcome {
	rec, err := d.findOne(ctx, q)
	if err != nil {
		return failed(route.Destroy, err)
	}
	if err := d.store.Delete(ctx, q.Model, rec); err != nil {
		return failed(route.Destroy, notFound(q, err))
	}

	d.publish(ctx, notify.NewEvent(notify.OpDelete, q.Model, rec, nil))
	return Outcome{Status: http.StatusNoContent, Data: rec}
}

func (d *Dispatcher) findOne(ctx context.Context, q *query.Descriptor) (store.Record, error) {
	rec, err := d.store.FindOne(ctx, q)
	return rec, notFound(q, err)
}

func (d *Dispatcher) publish(ctx context.Context, ev notify.Event) {
	if err := d.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		d.logger.Debug("event not published", zap.String("entity", ev.Entity), zap.Error(err))
	}
}

// notFound turns store.ErrNotFound into an *EntityNotFoundError naming q's model.
func notFound(q *query.Descriptor, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &EntityNotFoundError{Entity: q.Model.Name}
	}
	return err
}

func outcomeLabel(o Outcome) string {
	switch StatusFor(o.Err) {
	case http.StatusOK:
		return "ok"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusMethodNotAllowed:
		return "unsupported"
	}
	return "error"
}
