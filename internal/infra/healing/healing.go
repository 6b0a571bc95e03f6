// Package healing guards flaky upstream dependencies, such as the live price
// feed, with a circuit breaker.
//
// Circuit Breaker states:
//   - CLOSED    (normal) → consecutive failures reach threshold → OPEN
//   - OPEN      (rejecting) → after cooldown → HALF_OPEN
//   - HALF_OPEN (probing) → enough probe successes → CLOSED, any failure → OPEN
package healing

import (
	"fmt"
	"sync"
	"time"

	"github.com/industriverse/chronos/internal/domain"
)

// ─── Circuit Breaker ────────────────────────────────────────────────────────

// CBState represents the circuit breaker state.
type CBState int

const (
	CBClosed   CBState = iota // calls pass through
	CBOpen                    // calls rejected immediately
	CBHalfOpen                // probing recovery
)

// String returns a human-readable circuit breaker state.
func (s CBState) String() string {
	switch s {
	case CBClosed:
		return "CLOSED"
	case CBOpen:
		return "OPEN"
	case CBHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state label in JSON.
func (s CBState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `toml:"failure_threshold"` // consecutive failures to trip
	ResetTimeout     time.Duration `toml:"-"`                 // time in OPEN before probing
	HalfOpenMax      int           `toml:"half_open_max"`     // probe successes needed to close
}

// DefaultCircuitBreakerConfig returns defaults suited to a price feed polled
// once per tick.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		HalfOpenMax:      1,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
// Thread-safe for concurrent use.
type CircuitBreaker struct {
	mu         sync.Mutex
	name       string
	config     CircuitBreakerConfig
	state      CBState
	failures   int
	successes  int
	lastErr    string
	trippedAt  time.Time
	totalTrips int
	now        func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given name and config.
// Non-positive config values fall back to the defaults.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreaker{
		name:   name,
		config: cfg,
		state:  CBClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. It returns an error wrapping
// domain.ErrCircuitOpen while the circuit is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.refreshLocked() == CBOpen {
		return fmt.Errorf("%s: %w", cb.name, domain.ErrCircuitOpen)
	}
	return nil
}

// Call runs fn through the breaker and records its outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		cb.RecordFailure(err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refreshLocked() {
	case CBHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenMax {
			cb.state = CBClosed
			cb.failures = 0
			cb.successes = 0
		}
	case CBClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed call. May trip the breaker.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.lastErr = err.Error()
	}
	switch cb.refreshLocked() {
	case CBClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.tripLocked()
		}
	case CBHalfOpen:
		cb.tripLocked()
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CBState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refreshLocked()
}

// Snapshot is a point-in-time view of the circuit breaker.
type Snapshot struct {
	Name       string    `json:"name"`
	State      CBState   `json:"state"`
	Failures   int       `json:"failures"`
	TotalTrips int       `json:"total_trips"`
	LastError  string    `json:"last_error,omitempty"`
	TrippedAt  time.Time `json:"tripped_at,omitempty"`
}

// Snapshot returns the current state snapshot.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:       cb.name,
		State:      cb.refreshLocked(),
		Failures:   cb.failures,
		TotalTrips: cb.totalTrips,
		LastError:  cb.lastErr,
		TrippedAt:  cb.trippedAt,
	}
}

// Reset forces the circuit breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CBClosed
	cb.failures = 0
	cb.successes = 0
}

// refreshLocked moves OPEN to HALF_OPEN once the cooldown has elapsed.
// Caller holds cb.mu.
func (cb *CircuitBreaker) refreshLocked() CBState {
	if cb.state == CBOpen && cb.now().Sub(cb.trippedAt) >= cb.config.ResetTimeout {
		cb.state = CBHalfOpen
		cb.successes = 0
	}
	return cb.state
}

func (cb *CircuitBreaker) tripLocked() {
	cb.state = CBOpen
	cb.trippedAt = cb.now()
	cb.totalTrips++
	cb.successes = 0
}
