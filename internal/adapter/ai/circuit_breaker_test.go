package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockedBreaker(threshold int, recovery time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("gemini-2.0-flash", threshold, recovery)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("m", 0, 0)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 30*time.Second, cb.recoveryTimeout)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	t.Parallel()
	cb, now := newClockedBreaker(2, 10*time.Second)

	assert.True(t, cb.ShouldAttempt())
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.ShouldAttempt())

	*now = now.Add(11 * time.Second)
	assert.True(t, cb.ShouldAttempt())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// failed probe reopens immediately
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.ShouldAttempt())

	*now = now.Add(11 * time.Second)
	assert.True(t, cb.ShouldAttempt())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())

	stats := cb.Stats()
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 0, stats.FailureCount)
	assert.Equal(t, 4, stats.TotalRequests)
	assert.Equal(t, 3, stats.TotalFailures)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb, _ := newClockedBreaker(2, time.Second)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}

func TestCircuitBreakerManager(t *testing.T) {
	t.Parallel()
	m := NewCircuitBreakerManager(1, time.Minute)
	a := m.GetBreaker("b-model")
	assert.Same(t, a, m.GetBreaker("b-model"))
	m.GetBreaker("a-model").RecordFailure()

	stats := m.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a-model", stats[0].ModelID)
	assert.Equal(t, "open", stats[0].State)
	assert.Equal(t, "b-model", stats[1].ModelID)
	assert.Equal(t, "closed", stats[1].State)
}
