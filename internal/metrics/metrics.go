// Package metrics holds the Prometheus instrumentation surfaced at
// Metrics.Listen. Shape grounded on internal/escrow/metrics.go: a single
// struct of promauto-registered vectors, a constructor, and small
// Record*/Observe* methods so callers never touch a prometheus.* type
// directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram edgeproxyd exports.
type Metrics struct {
	SessionsOpened prometheus.Counter
	SessionsClosed prometheus.Counter
	RequestsTotal  *prometheus.CounterVec // label: outcome (hit/miss/pass/pipe/error)

	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheHitPass prometheus.Counter

	RestartsTotal *prometheus.CounterVec // label: from_step

	BackendFetchDuration *prometheus.HistogramVec // label: director
	BackendFetchFailures *prometheus.CounterVec   // label: director, status

	StepDuration *prometheus.HistogramVec // label: step

	ObjectsStored  prometheus.Counter
	ObjectsEvicted prometheus.Counter
	StorageBytes   prometheus.Gauge

	PolicyFatal *prometheus.CounterVec // label: hook
}

// New creates and registers every metric.
func New() *Metrics {
	return &Metrics{
		SessionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_sessions_opened_total",
			Help: "Total TCP sessions accepted.",
		}),
		SessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_sessions_closed_total",
			Help: "Total TCP sessions closed.",
		}),
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_requests_total",
			Help: "Total requests processed, by terminal cache outcome.",
		}, []string{"outcome"}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_cache_hits_total",
			Help: "Total Lookup calls that resolved to a cache hit.",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_cache_misses_total",
			Help: "Total Lookup calls that resolved to a cache miss.",
		}),
		CacheHitPass: promauto.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_cache_hitpass_total",
			Help: "Total Lookup calls that resolved to a hit-for-pass entry.",
		}),

		RestartsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_restarts_total",
			Help: "Total request restarts, by originating step.",
		}, []string{"from_step"}),

		BackendFetchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgeproxy_backend_fetch_duration_seconds",
			Help:    "Time from FetchHeaders call to status line received.",
			Buckets: prometheus.DefBuckets,
		}, []string{"director"}),
		BackendFetchFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_backend_fetch_failures_total",
			Help: "Total fetch failures, by director and fetch status.",
		}, []string{"director", "status"}),

		StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgeproxy_step_duration_seconds",
			Help:    "Time spent in one step handler invocation.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"step"}),

		ObjectsStored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_objects_stored_total",
			Help: "Total objects written to storage via Unbusy.",
		}),
		ObjectsEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_objects_evicted_total",
			Help: "Total objects destroyed by Storage.Destroy.",
		}),
		StorageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "edgeproxy_storage_bytes",
			Help: "Estimated bytes currently held by cached objects.",
		}),

		PolicyFatal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_policy_fatal_total",
			Help: "Total fatal policy returns, by hook kind.",
		}, []string{"hook"}),
	}
}

// ObserveStep records how long one step handler invocation took.
func (m *Metrics) ObserveStep(step string, d time.Duration) {
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveFetch records a completed (successful or not) backend fetch.
func (m *Metrics) ObserveFetch(director string, d time.Duration, status string, failed bool) {
	m.BackendFetchDuration.WithLabelValues(director).Observe(d.Seconds())
	if failed {
		m.BackendFetchFailures.WithLabelValues(director, status).Inc()
	}
}

// RecordOutcome tallies one finished request under its terminal cache
// outcome (hit/miss/pass/pipe/error).
func (m *Metrics) RecordOutcome(outcome string) {
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordRestart tallies one restart, tagged by the step that triggered
// it (spec.md §4's Restart handling in Fetch/Hit/Deliver/Error).
func (m *Metrics) RecordRestart(fromStep string) {
	m.RestartsTotal.WithLabelValues(fromStep).Inc()
}

// RecordPolicyFatal tallies one illegal hook return.
func (m *Metrics) RecordPolicyFatal(hook string) {
	m.PolicyFatal.WithLabelValues(hook).Inc()
}
