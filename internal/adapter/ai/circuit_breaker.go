package ai

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-advisor/internal/adapter/observability"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen skips the model until the recovery timeout has passed.
	CircuitOpen
	// CircuitHalfOpen lets a single probe through.
	CircuitHalfOpen
)

// String returns a string representation of the circuit state
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks consecutive provider failures of one model.
type CircuitBreaker struct {
	mu               sync.Mutex
	modelID          string
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	totalRequests   int
	totalFailures   int
}

// NewCircuitBreaker creates a breaker for a model.
func NewCircuitBreaker(modelID string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		modelID:          modelID,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
		state:            CircuitClosed,
	}
}

// ShouldAttempt reports whether the model may be called. An open circuit whose
// recovery timeout has passed moves to half-open and admits one probe.
func (cb *CircuitBreaker) ShouldAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.recoveryTimeout {
			cb.setState(CircuitHalfOpen)
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.failureCount = 0
	cb.lastSuccessTime = cb.now()
	if cb.state != CircuitClosed {
		slog.Info("circuit breaker closed after successful probe", slog.String("model", cb.modelID))
		cb.setState(CircuitClosed)
	}
}

// RecordFailure records a failed call. A failed half-open probe reopens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.totalFailures++
	cb.totalRequests++
	cb.lastFailureTime = cb.now()

	if cb.state == CircuitHalfOpen || (cb.state == CircuitClosed && cb.failureCount >= cb.failureThreshold) {
		slog.Warn("circuit breaker opened",
			slog.String("model", cb.modelID),
			slog.Int("failure_count", cb.failureCount),
			slog.Int("threshold", cb.failureThreshold))
		cb.setState(CircuitOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	observability.ProviderCircuitState.WithLabelValues(cb.modelID).Set(float64(s))
}

// BreakerStats is a point-in-time view of one breaker.
type BreakerStats struct {
	ModelID       string    `json:"modelId"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failureCount"`
	TotalRequests int       `json:"totalRequests"`
	TotalFailures int       `json:"totalFailures"`
	LastFailure   time.Time `json:"lastFailure"`
	LastSuccess   time.Time `json:"lastSuccess"`
}

// Stats returns breaker statistics.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		ModelID:       cb.modelID,
		State:         cb.state.String(),
		FailureCount:  cb.failureCount,
		TotalRequests: cb.totalRequests,
		TotalFailures: cb.totalFailures,
		LastFailure:   cb.lastFailureTime,
		LastSuccess:   cb.lastSuccessTime,
	}
}

// CircuitBreakerManager manages one breaker per model.
type CircuitBreakerManager struct {
	mu               sync.Mutex
	breakers         map[string]*CircuitBreaker
	failureThreshold int
	recoveryTimeout  time.Duration
}

// NewCircuitBreakerManager creates a manager whose breakers share thresholds.
func NewCircuitBreakerManager(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// GetBreaker returns or creates the breaker for a model.
func (cbm *CircuitBreakerManager) GetBreaker(modelID string) *CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if breaker, exists := cbm.breakers[modelID]; exists {
		return breaker
	}
	breaker := NewCircuitBreaker(modelID, cbm.failureThreshold, cbm.recoveryTimeout)
	cbm.breakers[modelID] = breaker
	return breaker
}

// AllStats returns statistics for every known model, sorted by model id.
func (cbm *CircuitBreakerManager) AllStats() []BreakerStats {
	cbm.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(cbm.breakers))
	for _, b := range cbm.breakers {
		breakers = append(breakers, b)
	}
	cbm.mu.Unlock()

	stats := make([]BreakerStats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ModelID < stats[j].ModelID })
	return stats
}
