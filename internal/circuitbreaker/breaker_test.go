package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_ClosedAllowsRequests(t *testing.T) {
	cb := New(DefaultConfig("origin"))
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Allow())
}

func TestCircuitBreaker_TripsOpenAfterFailureThreshold(t *testing.T) {
	cfg := DefaultConfig("origin")
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 3 }
	cb := New(cfg)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenAfterTimeoutThenClosesOnSuccess(t *testing.T) {
	cfg := DefaultConfig("origin")
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 1 }
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxRequests = 1
	cb := New(cfg)

	boom := errors.New("boom")
	_, err := cb.Execute(func() (interface{}, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State(), "breaker should probe again once Timeout has elapsed")

	_, err = cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	cfg := DefaultConfig("origin")
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 1 }
	cfg.Timeout = 10 * time.Millisecond
	cb := New(cfg)

	boom := errors.New("boom")
	cb.Execute(func() (interface{}, error) { return nil, boom })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, cb.State(), "a failed probe in half-open must reopen the circuit")
}

func TestCounts_FailureRatio(t *testing.T) {
	var c Counts
	assert.Equal(t, 0.0, c.FailureRatio())

	c.OnSuccess()
	c.OnFailure()
	c.OnFailure()
	assert.InDelta(t, 2.0/3.0, c.FailureRatio(), 0.0001)

	c.OnFailure()
	assert.Equal(t, uint32(0), c.ConsecutiveSuccesses)
	assert.Equal(t, uint32(3), c.ConsecutiveFailures)
}

func TestManager_GetCreatesAndReusesBreakerPerName(t *testing.T) {
	m := NewManager(nil)
	a1 := m.Get("origin-a")
	a2 := m.Get("origin-a")
	b := m.Get("origin-b")

	assert.Same(t, a1, a2, "repeated Get for the same name must return the same breaker")
	assert.NotSame(t, a1, b)
	assert.ElementsMatch(t, []string{"origin-a", "origin-b"}, m.List())
}

func TestManager_StatsReportsPerBreakerState(t *testing.T) {
	m := NewManager(nil)
	m.Get("origin-a")

	stats := m.Stats()
	require.Contains(t, stats, "origin-a")
	assert.Equal(t, StateClosed, stats["origin-a"].State)
}
