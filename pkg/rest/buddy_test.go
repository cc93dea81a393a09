package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edgeflare/restbuddy/internal/testutil"
	"github.com/edgeflare/restbuddy/pkg/httputil"
	"github.com/edgeflare/restbuddy/pkg/metrics"
	"github.com/edgeflare/restbuddy/pkg/notify"
	"github.com/edgeflare/restbuddy/pkg/query"
	"github.com/edgeflare/restbuddy/pkg/store"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testRoutes = []string{
	"GET /users",
	"POST /users",
	"GET /users/:id",
	"POST /users/:id",
	"PUT /users/:id",
	"PATCH /users/:id",
	"DELETE /users/:id",
	"GET /users/:id/channels",
	"GET /users/:id/channels/:id",
	"POST /users/:id/channels/:id/contents",
	"GET /channels/:id/contents",
	"POST /channels/:id/contents",
	"POST /channels/:id/foobars",
	"GET /foobars",
}

func newTestRouter(t *testing.T, opts Options) (*testutil.Catalog, *httputil.Router) {
	t.Helper()
	c := testutil.NewCatalog(t)
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	buddy := New(c.Registry, c.Store, opts)

	r := httputil.NewRouter()
	for _, p := range testRoutes {
		require.NoError(t, r.HandleTemplate(p, buddy.Handler()))
	}
	return c, r
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func field(recs []map[string]any, name string) []any {
	out := make([]any, len(recs))
	for i, r := range recs {
		out[i] = r[name]
	}
	return out
}

func TestScenario(t *testing.T) {
	_, r := newTestRouter(t, Options{})

	w := do(r, "GET", "/users?age=22", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"Selm"}, field(decode[[]map[string]any](t, w), "name"))

	w = do(r, "GET", "/users/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "User not found", decode[httputil.ErrorResponse](t, w).Message)

	w = do(r, "POST", "/channels/1/contents", `{"title": "Dark", "type": "Episode"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, created["channel_id"])
	assert.Equal(t, "Dark", created["title"])

	w = do(r, "GET", "/channels/1/contents", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.ElementsMatch(t, []any{"House of Cards", "Dark"}, field(decode[[]map[string]any](t, w), "title"))

	w = do(r, "POST", "/channels/1/foobars", `{"name": "x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decode[httputil.ErrorResponse](t, w).Message, "does not exist")
}

func TestShowAndList(t *testing.T) {
	_, r := newTestRouter(t, Options{})

	tests := []struct {
		name   string
		target string
		status int
		names  []any
	}{
		{"list all", "/users", http.StatusOK, []any{"Swen", "Selm", "Avon"}},
		{"unknown filters are ignored", "/users?nickname=x", http.StatusOK, []any{"Swen", "Selm", "Avon"}},
		{"order descending", "/users?order=-age", http.StatusOK, []any{"Swen", "Selm", "Avon"}},
		{"order ascending", "/users?order=age", http.StatusOK, []any{"Avon", "Selm", "Swen"}},
		{"unknown order field", "/users?order=bogus", http.StatusOK, []any{"Swen", "Selm", "Avon"}},
		{"second page", "/users?order=age&perPage=1&page=1", http.StatusOK, []any{"Selm"}},
		{"items alias", "/users?order=age&items=2", http.StatusOK, []any{"Avon", "Selm"}},
		{"perPage zero", "/users?perPage=0", http.StatusOK, []any{"Swen", "Selm", "Avon"}},
		{"empty result", "/users?age=99", http.StatusOK, []any{}},
		{"nested list", "/users/1/channels", http.StatusOK, []any{"Episode Channel", "Movie Channel"}},
		{"nested list without relation rows", "/users/2/channels", http.StatusOK, []any{}},
		{"unknown resource", "/foobars", http.StatusNotFound, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, "GET", tt.target, "")
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.names != nil {
				assert.Equal(t, tt.names, field(decode[[]map[string]any](t, w), "name"))
			}
		})
	}

	w := do(r, "GET", "/users/1/channels/2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Movie Channel", decode[map[string]any](t, w)["name"])

	w = do(r, "GET", "/users/2/channels/2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Channel not found", decode[httputil.ErrorResponse](t, w).Message)

	w = do(r, "HEAD", "/users/1", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTransformers(t *testing.T) {
	transformers, err := query.BuildTransformers(map[string]query.TransformerSpec{
		"search": {Field: "name", Op: query.OpILike, Format: "%%%s%%"},
	})
	require.NoError(t, err)
	_, r := newTestRouter(t, Options{Transformers: transformers})

	w := do(r, "GET", "/users?search=AV", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"Avon"}, field(decode[[]map[string]any](t, w), "name"))

	w = do(r, "GET", "/users?search=e&age=22", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"Selm"}, field(decode[[]map[string]any](t, w), "name"))
}

func TestCreate(t *testing.T) {
	_, r := newTestRouter(t, Options{})

	w := do(r, "POST", "/users", `{"name": "Ola", "age": 30}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.EqualValues(t, 4, decode[map[string]any](t, w)["id"])

	w = do(r, "GET", "/users?age=30", "")
	assert.Equal(t, []any{"Ola"}, field(decode[[]map[string]any](t, w), "name"))

	w = do(r, "POST", "/users", `{"name": "Ola"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[httputil.ErrorResponse](t, w)
	assert.Equal(t, map[string]string{"age": "is required"}, resp.Details)

	w = do(r, "POST", "/users", `{"name": "Ola", "age": 1, "nickname": "o"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unknown field", decode[httputil.ErrorResponse](t, w).Details["nickname"])

	w = do(r, "POST", "/users", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[httputil.ErrorResponse](t, w).Message, "invalid JSON body")

	w = do(r, "POST", "/channels/9/contents", `{"title": "Orphan"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Channel not found", decode[httputil.ErrorResponse](t, w).Message)

	w = do(r, "POST", "/users/1/channels/1/contents", `{"title": "Too deep"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestUpdateAndDestroy(t *testing.T) {
	_, r := newTestRouter(t, Options{})

	w := do(r, "PATCH", "/users/2", `{"age": 23}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[map[string]any](t, w)
	assert.EqualValues(t, 23, updated["age"])
	assert.Equal(t, "Selm", updated["name"])

	w = do(r, "PUT", "/users/2", `{"age": null}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "PATCH", "/users/999", `{"age": 1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, "DELETE", "/users/3", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())

	w = do(r, "GET", "/users/3", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, "DELETE", "/users/3", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMethodNotSupported(t *testing.T) {
	_, r := newTestRouter(t, Options{})

	w := do(r, "POST", "/users/1", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = do(r, "DELETE", "/users", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "rejected by the router")
}

func TestMalformedTemplateAtRequestTime(t *testing.T) {
	c := testutil.NewCatalog(t)
	buddy := New(c.Registry, c.Store, Options{Logger: zaptest.NewLogger(t)})

	// HandleTemplate accepts any ServeMux-compatible pattern; Mount is what checks templates.
	r := httputil.NewRouter()
	require.NoError(t, r.HandleTemplate("GET /:id/users", buddy.Handler()))

	w := do(r, "GET", "/1/users", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code, w.Body.String())
}

func TestMiddlewareOutcome(t *testing.T) {
	c := testutil.NewCatalog(t)
	buddy := New(c.Registry, c.Store, Options{})

	var (
		got    *Outcome
		params map[string]map[string]string
	)
	r := httputil.NewRouter()
	r.Handle("GET /users/:id/channels/:id", buddy.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got, _ = OutcomeFrom(req)
		params = ParamsFrom(req)
		w.WriteHeader(http.StatusTeapot)
	})))

	w := do(r, "GET", "/users/1/channels/2", "")
	assert.Equal(t, http.StatusTeapot, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, "Movie Channel", got.Data.(store.Record)["name"])
	assert.Equal(t, map[string]map[string]string{
		"users":    {"id": "1"},
		"channels": {"id": "2"},
	}, params)

	w = do(r, "GET", "/users/1/channels/9", "")
	assert.Equal(t, http.StatusTeapot, w.Code, "request-level failures reach the next handler")
	assert.ErrorIs(t, got.Err, ErrEntityNotFound)
	assert.Equal(t, http.StatusNotFound, got.Status)
}

type failingStore struct {
	store.Store
	err error
}

func (f failingStore) FindMany(_ context.Context, q *query.Descriptor) ([]store.Record, error) {
	return nil, f.err
}

func TestErrorHandler(t *testing.T) {
	c := testutil.NewCatalog(t)
	boom := errors.New("connection reset")

	var handled error
	buddy := New(c.Registry, failingStore{Store: c.Store, err: boom}, Options{
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			handled = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})
	r := httputil.NewRouter()
	r.Handle("GET /users", buddy.Handler())
	r.Handle("GET /users/:id", buddy.Handler())

	w := do(r, "GET", "/users", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.ErrorIs(t, handled, boom)

	handled = nil
	w = do(r, "GET", "/users/1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, handled)

	w = httptest.NewRecorder()
	buddy.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/users", nil))
	assert.ErrorIs(t, handled, ErrNoRoute, "requests must come through httputil.Router")
}

func TestDefaultErrorHandler(t *testing.T) {
	c := testutil.NewCatalog(t)
	buddy := New(c.Registry, failingStore{Store: c.Store, err: errors.New("boom")}, Options{Logger: zaptest.NewLogger(t)})
	r := httputil.NewRouter()
	r.Handle("GET /users", buddy.Handler())

	w := do(r, "GET", "/users", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestQueryOverride(t *testing.T) {
	_, r := newTestRouter(t, Options{
		QueryOverride: func(req *http.Request, q *query.Descriptor) (*query.Descriptor, error) {
			if req.Header.Get("X-Deny") != "" {
				return nil, errors.New("denied")
			}
			if req.Header.Get("X-Keep") != "" {
				return nil, nil
			}
			q.And(query.Where{"age": {{Op: query.OpGte, Value: 18}}})
			return q, nil
		},
	})

	w := do(r, "GET", "/users?order=age", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"Selm", "Swen"}, field(decode[[]map[string]any](t, w), "name"))

	w = do(r, "GET", "/users/3", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "override applies to show as well")

	req := httptest.NewRequest("GET", "/users", nil)
	req.Header.Set("X-Deny", "1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	req = httptest.NewRequest("GET", "/users/3", nil)
	req.Header.Set("X-Keep", "1")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "a nil descriptor keeps the compiled query")
	assert.Equal(t, "Avon", decode[map[string]any](t, rec)["name"])
}

func TestPublishMutations(t *testing.T) {
	rec := &notify.Recorder{}
	_, r := newTestRouter(t, Options{Publisher: rec})

	require.Equal(t, http.StatusCreated, do(r, "POST", "/users", `{"name": "Ola", "age": 30}`).Code)
	require.Equal(t, http.StatusOK, do(r, "PATCH", "/users/4", `{"age": 31}`).Code)
	require.Equal(t, http.StatusNoContent, do(r, "DELETE", "/users/4", "").Code)
	require.Equal(t, http.StatusOK, do(r, "GET", "/users", "").Code)

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, []notify.Op{notify.OpCreate, notify.OpUpdate, notify.OpDelete},
		[]notify.Op{events[0].Op, events[1].Op, events[2].Op})
	for _, ev := range events {
		assert.Equal(t, "User", ev.Entity)
		assert.Equal(t, "4", ev.Key)
	}
	assert.Equal(t, "Ola", events[1].Before["name"])
	assert.Nil(t, events[2].After)

	rec.Err = errors.New("broker down")
	assert.Equal(t, http.StatusCreated, do(r, "POST", "/users", `{"name": "Ida", "age": 40}`).Code,
		"a failed publish does not fail the request")
}

func TestDispatchMetrics(t *testing.T) {
	_, r := newTestRouter(t, Options{})
	ok := metrics.Dispatches.WithLabelValues("show", "User", "ok")
	missing := metrics.Dispatches.WithLabelValues("show", "User", "not_found")
	okBefore, missingBefore := promtest.ToFloat64(ok), promtest.ToFloat64(missing)

	do(r, "GET", "/users/1", "")
	do(r, "GET", "/users/999", "")

	assert.Equal(t, okBefore+1, promtest.ToFloat64(ok))
	assert.Equal(t, missingBefore+1, promtest.ToFloat64(missing))
}
