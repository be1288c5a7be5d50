package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// All assertions share one Metrics instance: promauto registers every
// vector against the default registry, so a second New() call in another
// test function would panic on duplicate registration.
func TestMetrics_RecordingMethodsUpdateExportedSeries(t *testing.T) {
	m := New()

	m.SessionsOpened.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsOpened))

	m.RecordOutcome("hit")
	m.RecordOutcome("hit")
	m.RecordOutcome("miss")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("miss")))

	m.RecordRestart("fetch")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RestartsTotal.WithLabelValues("fetch")))

	m.RecordPolicyFatal("hash")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PolicyFatal.WithLabelValues("hash")))

	m.ObserveStep("deliver", 10*time.Millisecond)
	assert.Equal(t, uint64(1), testutil.CollectAndCount(m.StepDuration))

	m.ObserveFetch("origin-a", 5*time.Millisecond, "timeout", true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BackendFetchFailures.WithLabelValues("origin-a", "timeout")))

	m.ObserveFetch("origin-a", 5*time.Millisecond, "", false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BackendFetchFailures.WithLabelValues("origin-a", "timeout")),
		"a successful fetch must not add another failure sample")
}
