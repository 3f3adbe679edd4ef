package llm

import (
	"sync"
	"time"
)

// CircuitState is one provider's health as tracked by its breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // serving calls normally
	CircuitOpen                         // tripped, rejecting calls outright
	CircuitHalfOpen                     // probing a single call for recovery
)

// String renders the state the way ProviderStatus reports it.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker isolates one provider adapter: once it fails
// failureThreshold calls in a row the breaker trips and every call is
// rejected locally (no network round-trip) until recoveryTimeout has
// passed, at which point a single probe call is let through to test
// recovery. Thresholds come from RouterConfig rather than being fixed, so
// a flaky provider and a stable one don't have to share tolerance.
type CircuitBreaker struct {
	mu               sync.RWMutex
	state            CircuitState
	failureCount     int
	successCount     int
	failureThreshold int           // consecutive failures to trip
	successThreshold int           // successes in half-open to close
	recoveryTimeout  time.Duration // how long to wait before probing
	lastFailureTime  time.Time     // when the circuit opened
	trips            int64         // lifetime count of closed/half-open -> open transitions
}

// NewCircuitBreaker creates a breaker with the given thresholds, falling
// back to conservative defaults when either is non-positive.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultBreakerFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = defaultBreakerRecoveryTimeout
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: 1, // one clean probe in half-open closes the circuit
		recoveryTimeout:  recoveryTimeout,
	}
}

// Allow reports whether a call should proceed: yes when closed, yes for
// exactly one probe when the recovery timeout has elapsed on an open
// circuit, no otherwise.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.recoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.successCount = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return false
}

// RecordSuccess clears the failure streak, and closes the circuit if the
// probe call in half-open succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state == CircuitHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = CircuitClosed
		}
	}
}

// RecordFailure counts a failed call and trips the breaker open if the
// failure streak (or a failed half-open probe) crosses the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.trips++
		return
	}

	if cb.failureCount >= cb.failureThreshold && cb.state != CircuitOpen {
		cb.state = CircuitOpen
		cb.trips++
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Trips returns the lifetime count of this breaker tripping open, surfaced
// through ProviderStatus so an operator can tell a provider that recovered
// after one blip from one that's been flapping all day.
func (cb *CircuitBreaker) Trips() int64 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.trips
}

// Reset forces the circuit back to closed state, clearing counters but
// leaving the lifetime trip count intact.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
}
