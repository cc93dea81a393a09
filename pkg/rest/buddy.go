package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/edgeflare/restbuddy/pkg/httputil"
	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/edgeflare/restbuddy/pkg/notify"
	"github.com/edgeflare/restbuddy/pkg/query"
	"github.com/edgeflare/restbuddy/pkg/route"
	"github.com/edgeflare/restbuddy/pkg/store"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Options configures a Buddy. Zero page sizes fall back to DefaultPageSize and
// MaxPageSize.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	Transformers    query.Transformers
	// QueryOverride, when set, receives the fully compiled descriptor and returns the one
	// that is dispatched; a nil descriptor keeps the compiled one. An error is handed to
	// the ErrorHandler.
	QueryOverride func(r *http.Request, q *query.Descriptor) (*query.Descriptor, error)
	ErrorHandler  ErrorHandler
	Logger        *zap.Logger
	Publisher     notify.Publisher
}

// Buddy turns requests on routes such as /users/:id/channels into store calls. The
// route template is read from the request context, where httputil.Router puts it.
type Buddy struct {
	compiler   *query.Compiler
	dispatcher *Dispatcher
	opts       Options
	logger     *zap.Logger
}

func New(registry model.Registry, st store.Store, opts Options) *Buddy {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = DefaultPageSize
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = MaxPageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = defaultErrorHandler(opts.Logger)
	}
	return &Buddy{
		compiler:   query.NewCompiler(model.NewResolver(registry)),
		dispatcher: NewDispatcher(st, opts.Logger, opts.Publisher),
		opts:       opts,
		logger:     opts.Logger,
	}
}

// Middleware dispatches the request and attaches the Outcome to the context before
// calling next, which serializes it (see Send). Request-level failures such as unknown
// resources or missing entities are Outcomes too; only unexpected errors go to the
// ErrorHandler, in which case next is not called.
func (b *Buddy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o, params, err := b.serve(r)
		if err != nil {
			b.opts.ErrorHandler(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withOutcome(r.Context(), o, params)))
	})
}

// Handler is Middleware followed by Send.
func (b *Buddy) Handler() http.Handler {
	return b.Middleware(http.HandlerFunc(Send))
}

func (b *Buddy) serve(r *http.Request) (*Outcome, map[string]map[string]string, error) {
	matched, ok := httputil.MatchedRoute(r)
	if !ok {
		return nil, nil, ErrNoRoute
	}

	urlPath := strings.TrimPrefix(r.URL.EscapedPath(), matched.Prefix)
	tpl, chain, err := route.Parse(matched.Template, urlPath)
	if err != nil {
		if !Recoverable(err) {
			return nil, nil, err
		}
		o := failed(0, err)
		return &o, nil, nil
	}
	params := chain.Params()

	intent, classifyErr := route.Classify(r.Method, tpl)
	q, err := b.compile(r, chain)
	if err != nil {
		if !Recoverable(err) {
			return nil, nil, err
		}
		o := failed(intent, err)
		return &o, params, nil
	}
	if classifyErr != nil {
		o := failed(0, classifyErr)
		return &o, params, nil
	}

	var body store.Record
	if intent == route.Create || intent == route.Update {
		if body, err = decodeBody(r); err != nil {
			o := failed(intent, err)
			return &o, params, nil
		}
	}

	o := b.dispatcher.Dispatch(r.Context(), intent, q, body)
	if o.Err != nil && !Recoverable(o.Err) {
		return nil, nil, o.Err
	}
	return &o, params, nil
}

// compile builds the descriptor: path conditions from the chain, then query-string
// filters, order and pagination on the leaf.
func (b *Buddy) compile(r *http.Request, chain route.Chain) (*query.Descriptor, error) {
	q, err := b.compiler.Compile(chain)
	if err != nil {
		return nil, err
	}

	values := r.URL.Query()
	q.And(query.Conditions(values, q.Model, b.opts.Transformers))
	q.Order = query.ParseOrder(values.Get(query.OrderParam), q.Model)
	q.Limit, q.Offset = query.ParsePagination(values, query.Pagination{
		DefaultPageSize: b.opts.DefaultPageSize,
		MaxPageSize:     b.opts.MaxPageSize,
	})

	if b.opts.QueryOverride != nil {
		override, err := b.opts.QueryOverride(r, q)
		if err != nil {
			return nil, err
		}
		if override != nil {
			return override, nil
		}
	}
	return q, nil
}

// decodeBody reads a JSON object. Numbers stay json.Number so that integer ids are not
// rounded through float64. An empty body is an empty record.
func decodeBody(r *http.Request) (store.Record, error) {
	if r.Body == nil {
		return store.Record{}, nil
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	body := store.Record{}
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return store.Record{}, nil
		}
		return nil, invalidBody(err)
	}
	return body, nil
}

func defaultErrorHandler(logger *zap.Logger) ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("request failed",
			zap.String("req_id", httputil.RequestID(r)),
			zap.String("method", r.Method),
			zap.String("url", r.URL.String()),
			zap.Error(err))
		httputil.Error(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}
