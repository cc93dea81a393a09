// Package metrics holds restbuddy's Prometheus collectors and the metrics server.
package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restbuddy_dispatch_total",
			Help: "Total number of dispatched actions by intent, model and outcome",
		},
		[]string{"intent", "model", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restbuddy_dispatch_duration_seconds",
			Help:    "Duration of storage calls per dispatched action",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"intent", "model"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restbuddy_http_requests_total",
			Help: "Total number of HTTP requests by route template, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restbuddy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by route template and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restbuddy_publish_errors_total",
			Help: "Total number of mutation event publish errors by sink",
		},
		[]string{"sink"},
	)

	SchemaReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "restbuddy_schema_reloads_total",
			Help: "Total number of entity registry reloads from the database schema",
		},
	)
)

// ObserveDispatch records one dispatched action.
func ObserveDispatch(intent, model, outcome string, took time.Duration) {
	Dispatches.WithLabelValues(intent, model, outcome).Inc()
	DispatchDuration.WithLabelValues(intent, model).Observe(took.Seconds())
}

type PromServerOpts struct {
	Addr              string        `mapstructure:"addr"`
	Path              string        `mapstructure:"path"` // defaults to "/metrics"
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server in the background. The server
// shuts down gracefully when ctx is canceled; wg is done once it has stopped.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	effective := defaultPrometheusServerOptions()
	if opts != nil {
		effective.Addr = cmp.Or(opts.Addr, effective.Addr)
		effective.Path = cmp.Or(opts.Path, effective.Path)
		effective.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effective.ShutdownTimeout)
		effective.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effective.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effective.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effective.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effective.ReadHeaderTimeout,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", effective.Addr), zap.String("path", effective.Path))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), effective.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down metrics server", zap.Error(err))
		}
	}()
}
