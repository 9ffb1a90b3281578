package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetry_RecordShareSubmit(t *testing.T) {
	tel := New()

	tel.RecordShareSubmit(10*time.Millisecond, true)
	tel.RecordShareSubmit(20*time.Millisecond, false)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	tel.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, `stratum_share_submits_total{success="true"} 1`)
	assert.Contains(t, body, `stratum_share_submits_total{success="false"} 1`)
	assert.Contains(t, body, "stratum_share_submit_latency_seconds")
}

func TestTelemetry_GaugesAndCounters(t *testing.T) {
	tel := New()

	tel.SetActiveConnections(5)
	tel.SetAuthorizedConnections(3)
	tel.SetRecorderQueueDepth(42)
	tel.IncRecoveryFallback()
	tel.IncRecoveryFallback()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	tel.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "stratum_active_connections 5")
	assert.Contains(t, body, "stratum_authorized_connections 3")
	assert.Contains(t, body, "stratum_share_recorder_queue_depth 42")
	assert.Contains(t, body, "stratum_share_recorder_fallbacks_total 2")
}

func TestTelemetry_EstimateHashrate(t *testing.T) {
	tel := New()

	rate := tel.EstimateHashrate(100, 1024, time.Minute)
	assert.Greater(t, rate, 0.0)

	zero := tel.EstimateHashrate(0, 1024, time.Minute)
	assert.Equal(t, 0.0, zero)
}

func TestTelemetry_HandlerServesPrometheusFormat(t *testing.T) {
	tel := New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	tel.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Header().Get("Content-Type"), "text/plain"))
}
