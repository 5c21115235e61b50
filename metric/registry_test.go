package metric

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective/pkg/security"
)

func TestCoreMetricsRegistered(t *testing.T) {
	r := NewRegistry()

	r.Metrics.RequestsTotal.WithLabelValues("nats", "success").Inc()
	r.Metrics.FallbackAttempts.WithLabelValues("rest", "failed").Inc()

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["qollective_adapter_requests_total"])
	assert.True(t, names["qollective_hybrid_fallback_attempts_total"])
	assert.True(t, names["go_goroutines"], "runtime collectors included")
}

func TestRegisterAndUnregister(t *testing.T) {
	r := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qollective_custom_total",
		Help: "test counter",
	})
	require.NoError(t, r.Register("mcp", "custom_total", counter))

	// Same key again conflicts.
	assert.Error(t, r.Register("mcp", "custom_total", counter))

	assert.True(t, r.Unregister("mcp", "custom_total"))
	assert.False(t, r.Unregister("mcp", "custom_total"))
}

func TestScrapeHandler(t *testing.T) {
	r := NewRegistry()
	r.Metrics.RequestsTotal.WithLabelValues("rest", "success").Inc()

	srv := NewServer(0, "", r, security.TLSConfig{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "qollective_adapter_requests_total")
}
