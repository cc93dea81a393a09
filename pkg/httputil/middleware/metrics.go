package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/edgeflare/restbuddy/pkg/httputil"
	"github.com/edgeflare/restbuddy/pkg/metrics"
)

// Metrics counts requests and observes their latency, labelled by the route template
// rather than the concrete path so /users/1 and /users/2 share a series.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewResponseRecorder(w)

		next.ServeHTTP(rec, r)

		route := httputil.RouteTemplate(r)
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.StatusCode)).Inc()
		metrics.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
