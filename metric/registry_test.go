package metric

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskflow/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_RegisterCounterVec(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_builds_total",
		Help: "A test counter",
	}, []string{"status"})

	require.NoError(t, registry.RegisterCounterVec("engine", "builds", counter))
	counter.WithLabelValues("success").Inc()

	assert.True(t, gatheredNames(t, registry)["test_builds_total"])
}

func TestMetricsRegistry_RegisterGauge(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_status",
		Help: "A test gauge",
	})

	require.NoError(t, registry.RegisterGauge("engine", "status", gauge))
	gauge.Set(4)

	assert.True(t, gatheredNames(t, registry)["test_status"])
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "first"})
	second := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge_other", Help: "second"})

	require.NoError(t, registry.RegisterGauge("svc", "dup", first))

	err := registry.RegisterGauge("svc", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrAlreadyExists)
}

func TestMetricsRegistry_PrometheusConflict(t *testing.T) {
	registry := NewMetricsRegistry()

	a := prometheus.NewGauge(prometheus.GaugeOpts{Name: "same_name", Help: "a"})
	b := prometheus.NewGauge(prometheus.GaugeOpts{Name: "same_name", Help: "a"})

	require.NoError(t, registry.RegisterGauge("svc", "a", a))
	err := registry.RegisterGauge("svc", "b", b)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_unreg", Help: "x"}, []string{"l"})
	require.NoError(t, registry.RegisterGaugeVec("svc", "unreg", gauge))

	assert.True(t, registry.Unregister("svc", "unreg"))
	assert.False(t, registry.Unregister("svc", "unreg"))

	// Key is free again after unregistering
	require.NoError(t, registry.RegisterGaugeVec("svc", "unreg", gauge))
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	var healthy atomic.Bool
	healthy.Store(true)
	srv := NewServer("", registry, func() (bool, string) {
		if healthy.Load() {
			return true, "running"
		}
		return false, "error"
	})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(resp.Header.Get("Content-Type"), "text/plain") ||
		strings.Contains(resp.Header.Get("Content-Type"), "openmetrics"))

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy.Store(false)
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
