package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/edgeflare/restbuddy/pkg/httputil"
	"github.com/edgeflare/restbuddy/pkg/httputil/middleware"
	"github.com/edgeflare/restbuddy/pkg/metrics"
	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/edgeflare/restbuddy/pkg/pgx/schema"
	"github.com/edgeflare/restbuddy/pkg/store"
	"github.com/edgeflare/restbuddy/pkg/store/pgstore"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// SchemaPath serves the cached database schema when the server is backed by PostgreSQL.
const SchemaPath = "/_schema"

type ServerOptions struct {
	ListenAddr string
	// BaseURL prefixes every resource route, e.g. /api.
	BaseURL string
	// Schemas limits the PostgreSQL schemas exposed; empty means all non-system schemas.
	Schemas []string
	// Routes to mount. When empty they are derived from the registry (see DeriveRoutes).
	Routes []RouteConfig
	CORS   *middleware.CORSOptions
	Buddy  Options
	// TLSCertFile and TLSKeyFile, when both set, switch the listener to HTTPS.
	TLSCertFile string
	TLSKeyFile  string
}

// Server mounts a Buddy on every route of a registry.
type Server struct {
	router   *httputil.Router
	registry model.Registry
	routes   []RouteConfig
	cache    *schema.Cache
	addr     string
	logger   *zap.Logger
}

// NewServer builds the router serving registry from st. Requests are tagged with an id,
// access-logged and counted before they reach the Buddy.
func NewServer(registry model.Registry, st store.Store, opts ServerOptions) (*Server, error) {
	logger := opts.Buddy.Logger
	if logger == nil {
		logger = zap.NewNop()
		opts.Buddy.Logger = logger
	}

	routerOpts := []httputil.RouterOptions{httputil.WithLogger(logger)}
	if opts.TLSCertFile != "" && opts.TLSKeyFile != "" {
		routerOpts = append(routerOpts, httputil.WithTLS(opts.TLSCertFile, opts.TLSKeyFile))
	}
	router := httputil.NewRouter(routerOpts...)
	router.Use(middleware.RequestID, middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: logger}), middleware.Metrics)
	if opts.CORS != nil {
		router.Use(middleware.CORSWithOptions(opts.CORS))
	}

	routes := opts.Routes
	if len(routes) == 0 {
		routes = DeriveRoutes(registry)
	}

	buddy := New(registry, st, opts.Buddy)
	if err := Mount(router.Group(opts.BaseURL), routes, buddy.Handler()); err != nil {
		return nil, err
	}

	return &Server{
		router:   router,
		registry: registry,
		routes:   routes,
		addr:     opts.ListenAddr,
		logger:   logger,
	}, nil
}

// NewPostgresServer loads the schema reachable through pool, derives the registry from
// it and serves it with a pgstore. Schema reload notifications replace the registry's
// entities; routes are fixed at startup.
func NewPostgresServer(ctx context.Context, pool *pgxpool.Pool, opts ServerOptions) (*Server, error) {
	logger := opts.Buddy.Logger
	if logger == nil {
		logger = zap.NewNop()
		opts.Buddy.Logger = logger
	}

	cache, err := schema.NewCache(ctx, pool, logger, opts.Schemas...)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	if err := cache.Init(ctx); err != nil {
		cache.Close()
		return nil, fmt.Errorf("initialize schema cache: %w", err)
	}

	registry := model.NewRegistry()
	naming := model.NewResolver(registry).EntityName
	registry.Replace(schema.Entities(cache.Snapshot(), naming))

	s, err := NewServer(registry, pgstore.New(pool, logger), opts)
	if err != nil {
		cache.Close()
		return nil, err
	}
	s.cache = cache
	if err := s.router.HandleTemplate("GET "+SchemaPath, cache.Handler()); err != nil {
		cache.Close()
		return nil, err
	}

	go s.watchSchema(registry, naming)
	return s, nil
}

func (s *Server) watchSchema(registry *model.MemoryRegistry, naming func(string) string) {
	for tables := range s.cache.Watch() {
		registry.Replace(schema.Entities(tables, naming))
		metrics.SchemaReloads.Inc()
		s.logger.Info("registry updated", zap.Int("entities", len(registry.Entities())))
	}
}

// Registry returns the registry the server resolves resources in.
func (s *Server) Registry() model.Registry {
	return s.registry
}

// Routes returns the mounted resource routes.
func (s *Server) Routes() []RouteConfig {
	return s.routes
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving on the configured address until Shutdown.
func (s *Server) Start() error {
	return s.router.ListenAndServe(s.addr)
}

// Shutdown stops the HTTP server and the schema listener. The pool is left open.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	err := s.router.Shutdown(ctx)
	if s.cache != nil {
		s.cache.Close()
	}
	return err
}
