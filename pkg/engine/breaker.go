package engine

import (
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	// BreakerClosed allows all probes through.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen short-circuits probes until the cool-down elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen allows a limited number of trial probes after the
	// cool-down. A success closes the breaker, a failure reopens it.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int `json:"failure_threshold"`

	// CoolDown is how long the breaker stays open before moving to
	// half-open.
	CoolDown time.Duration `json:"cool_down"`

	// HalfOpenProbes is the number of trial probes allowed in half-open.
	HalfOpenProbes int `json:"half_open_probes"`
}

// DefaultBreakerSettings returns the default breaker configuration.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// CircuitBreaker tracks consecutive probe failures for a single project
// and short-circuits further probes once the failure threshold is hit.
type CircuitBreaker struct {
	mu sync.Mutex

	settings BreakerSettings

	state        BreakerState
	failures     int
	openedAt     time.Time
	halfOpenUsed int

	// now is injectable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultBreakerSettings().FailureThreshold
	}
	if settings.CoolDown <= 0 {
		settings.CoolDown = DefaultBreakerSettings().CoolDown
	}
	if settings.HalfOpenProbes <= 0 {
		settings.HalfOpenProbes = DefaultBreakerSettings().HalfOpenProbes
	}

	return &CircuitBreaker{
		settings: settings,
		state:    BreakerClosed,
		now:      time.Now,
	}
}

// Allow reports whether a probe may proceed. In half-open state it
// consumes one trial probe slot.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.settings.CoolDown {
			return false
		}
		b.state = BreakerHalfOpen
		b.halfOpenUsed = 0
		fallthrough
	case BreakerHalfOpen:
		if b.halfOpenUsed >= b.settings.HalfOpenProbes {
			return false
		}
		b.halfOpenUsed++
		return true
	default:
		return false
	}
}

// RecordSuccess records a passing probe. In half-open state this closes
// the breaker; in closed state it resets the failure counter.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = BreakerClosed
}

// RecordFailure records a failed probe. A failure in half-open state
// reopens the breaker immediately; in closed state the breaker opens once
// the consecutive failure count reaches the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.open()
		}
	}
}

// open transitions to the open state. Caller holds the lock.
func (b *CircuitBreaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.halfOpenUsed = 0
}

// State returns the current breaker state, applying the cool-down
// transition from open to half-open if it is due.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.settings.CoolDown {
		b.state = BreakerHalfOpen
		b.halfOpenUsed = 0
	}
	return b.state
}

// BreakerSet manages one circuit breaker per project.
type BreakerSet struct {
	mu       sync.Mutex
	settings BreakerSettings
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a breaker set with shared settings.
func NewBreakerSet(settings BreakerSettings) *BreakerSet {
	return &BreakerSet{
		settings: settings,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker for a project, creating it on first use.
func (s *BreakerSet) For(projectID string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[projectID]
	if !ok {
		b = NewCircuitBreaker(s.settings)
		s.breakers[projectID] = b
	}
	return b
}

// States returns a snapshot of breaker states by project ID.
func (s *BreakerSet) States() map[string]BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make(map[string]BreakerState, len(s.breakers))
	for id, b := range s.breakers {
		states[id] = b.State()
	}
	return states
}
