package httputil

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Middleware wraps an http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions configures a Router.
type RouterOptions func(*Router)

// Router registers handlers on an http.ServeMux. Patterns may use `:param` placeholders
// in addition to ServeMux `{wildcards}`; the template a request matched is available to
// handlers through MatchedRoute.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	logger     *zap.Logger
	prefix     string
	middleware []Middleware
	routes     *[]Route
	mu         sync.RWMutex
}

// Route is a registered method and template, relative to the group prefix.
type Route struct {
	Method   string
	Template string
	Prefix   string
}

func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		server: &http.Server{},
		logger: zap.NewNop(),
		routes: new([]Route),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithServerOptions sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

func WithLogger(logger *zap.Logger) RouterOptions {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTLS serves HTTPS with the given certificate and key.
func WithTLS(certFile, keyFile string) RouterOptions {
	return func(r *Router) {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			log.Fatalf("error loading TLS certificates: %v", err)
		}
		r.server.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}
}

// Use adds one or more middleware to the router, applied in the order they are added to
// routes registered afterwards.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	r.middleware = append(r.middleware, additional...)
}

// Group creates a sub-router with a specified prefix. The sub-router inherits the
// middleware of its parent.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Router{
		mux:        r.mux,
		middleware: slices.Clone(r.middleware),
		server:     r.server,
		logger:     r.logger,
		routes:     r.routes,
		prefix:     r.prefix + prefix,
	}
}

// Handle registers handler for "METHOD /pattern" and exits the process on an invalid
// pattern, the way ServeMux panics on conflicting ones. See HandleTemplate.
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	if err := r.HandleTemplate(methodPattern, handler); err != nil {
		log.Fatalf("%v", err)
	}
}

// HandleTemplate registers handler for "METHOD /pattern". On a group with a /prefix the
// route resolves to "METHOD /prefix/pattern". Placeholders such as /users/:id/channels/:id
// are mapped to distinct ServeMux wildcards, so a name may repeat across segments.
func (r *Router) HandleTemplate(methodPattern string, handler http.Handler) error {
	method, pattern, ok := strings.Cut(methodPattern, " ")
	if !ok || method == "" || !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("httputil: invalid method pattern %q", methodPattern)
	}

	muxPattern, err := toMuxPattern(pattern)
	if err != nil {
		return fmt.Errorf("httputil: %q: %w", methodPattern, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	final := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		final = r.middleware[i](final)
	}
	route := Route{Method: method, Template: pattern, Prefix: r.prefix}
	withRoute := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := context.WithValue(req.Context(), RouteCtxKey, route)
		final.ServeHTTP(w, req.WithContext(ctx))
	})

	full := fmt.Sprintf("%s %s%s", method, r.prefix, muxPattern)
	if err := registerSafely(r.mux, full, withRoute); err != nil {
		return fmt.Errorf("httputil: %q: %w", methodPattern, err)
	}
	*r.routes = append(*r.routes, route)
	return nil
}

// Routes lists every route registered on the router and its groups.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(*r.routes)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// registerSafely turns ServeMux registration panics (conflicting patterns) into errors.
func registerSafely(mux *http.ServeMux, pattern string, h http.Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	mux.Handle(pattern, h)
	return nil
}

// toMuxPattern rewrites `:name` segments to `{pN}` wildcards.
func toMuxPattern(pattern string) (string, error) {
	parts := strings.Split(pattern, "/")
	n := 0
	for i, p := range parts {
		if !strings.HasPrefix(p, ":") {
			continue
		}
		if len(p) == 1 {
			return "", fmt.Errorf("placeholder without a name in segment %d", i)
		}
		parts[i] = fmt.Sprintf("{p%d}", n)
		n++
	}
	return strings.Join(parts, "/"), nil
}

// MatchedRoute returns the route the request was dispatched through.
func MatchedRoute(r *http.Request) (Route, bool) {
	route, ok := r.Context().Value(RouteCtxKey).(Route)
	return route, ok
}

// RouteTemplate returns the matched template, e.g. "/users/:id", or "" outside a route.
func RouteTemplate(r *http.Request) string {
	route, _ := MatchedRoute(r)
	return route.Template
}

// ListenAndServe starts the server, serving HTTPS when a TLS config is set.
func (r *Router) ListenAndServe(addr string) error {
	r.server.Addr = addr
	r.server.Handler = r.mux
	r.logger.Info("starting server", zap.String("addr", addr), zap.Bool("tls", r.server.TLSConfig != nil))

	if r.server.TLSConfig != nil {
		return r.server.ListenAndServeTLS("", "")
	}
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down server")
	return r.server.Shutdown(ctx)
}
