package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chimera-pool/stratum-core/internal/stratum/hashrate"
)

// Telemetry implements spec.md §4.H: "For each share submit, publish
// (category=Share, elapsed = now - requestTimestamp, success) to an
// out-of-band sink. No back-pressure on the hot path." It also exposes
// the ambient connection/recorder gauges a production pool needs to
// operate, trimmed from the teacher's PrometheusClientImpl
// (internal/monitoring/prometheus.go) down to the metrics this core
// actually emits — the teacher's generic dynamic-label
// counter/gauge/histogram maps and its Prometheus-query client are
// dropped, since this core never queries Prometheus back and only ever
// emits a small, fixed set of named metrics.
type Telemetry struct {
	registry *prometheus.Registry

	shareSubmits   *prometheus.CounterVec
	shareLatency   prometheus.Histogram
	activeConns    prometheus.Gauge
	authorizedConns prometheus.Gauge
	recorderQueue  prometheus.Gauge
	recoveryFallbacks prometheus.Counter

	hashrateCalc *hashrate.Calculator
}

func New() *Telemetry {
	registry := prometheus.NewRegistry()

	t := &Telemetry{
		registry: registry,
		shareSubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratum",
			Name:      "share_submits_total",
			Help:      "Total mining.submit outcomes, labeled by success.",
		}, []string{"success"}),
		shareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stratum",
			Name:      "share_submit_latency_seconds",
			Help:      "Elapsed time between a mining.submit frame being read and its response.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratum",
			Name:      "active_connections",
			Help:      "Currently connected miner sockets.",
		}),
		authorizedConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratum",
			Name:      "authorized_connections",
			Help:      "Currently authorized miner sockets.",
		}),
		recorderQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratum",
			Name:      "share_recorder_queue_depth",
			Help:      "Pending share statistics awaiting the recorder's next batch flush.",
		}),
		recoveryFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratum",
			Name:      "share_recorder_fallbacks_total",
			Help:      "Batches diverted to the on-disk recovery file by the fault policy.",
		}),
		hashrateCalc: hashrate.NewCalculator(),
	}

	registry.MustRegister(
		t.shareSubmits,
		t.shareLatency,
		t.activeConns,
		t.authorizedConns,
		t.recorderQueue,
		t.recoveryFallbacks,
	)

	return t
}

// RecordShareSubmit implements spec.md §4.H's per-submit publish. Callers
// invoke this from the state machine's EventBus.PublishShareTiming
// implementation; it must never block the connection's dispatch loop.
func (t *Telemetry) RecordShareSubmit(elapsed time.Duration, success bool) {
	label := "false"
	if success {
		label = "true"
	}
	t.shareSubmits.WithLabelValues(label).Inc()
	t.shareLatency.Observe(elapsed.Seconds())
}

func (t *Telemetry) SetActiveConnections(n float64)     { t.activeConns.Set(n) }
func (t *Telemetry) SetAuthorizedConnections(n float64) { t.authorizedConns.Set(n) }
func (t *Telemetry) SetRecorderQueueDepth(n float64)    { t.recorderQueue.Set(n) }
func (t *Telemetry) IncRecoveryFallback()                { t.recoveryFallbacks.Inc() }

// EstimateHashrate implements the design note's "hashrateFromShares"
// PoolBehavior capability: hashes per second implied by a connection's
// accepted-share rate at its current difficulty.
func (t *Telemetry) EstimateHashrate(shares int64, difficulty float64, window time.Duration) float64 {
	return t.hashrateCalc.Calculate(shares, difficulty, window)
}

// Handler exposes the registry over HTTP for Prometheus scraping.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}
