package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeflare/restbuddy/pkg/httputil"
	"github.com/edgeflare/restbuddy/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	r := httputil.NewRouter()
	r.Use(Metrics)
	require.NoError(t, r.HandleTemplate("GET /widgets/:id", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	counter := metrics.HTTPRequests.WithLabelValues("/widgets/:id", "GET", "418")
	before := testutil.ToFloat64(counter)

	for _, path := range []string{"/widgets/1", "/widgets/2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}
