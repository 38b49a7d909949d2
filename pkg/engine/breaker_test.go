package engine

import (
	"testing"
	"time"
)

func newTestBreaker(threshold int, coolDown time.Duration, clock *fakeClock) *CircuitBreaker {
	b := NewCircuitBreaker(BreakerSettings{
		FailureThreshold: threshold,
		CoolDown:         coolDown,
		HalfOpenProbes:   1,
	})
	b.now = clock.Now
	return b
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(3, 10*time.Second, clock)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != BreakerClosed {
			t.Fatalf("Expected closed after %d failures, got %s", i+1, b.State())
		}
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("Expected open after threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Error("Expected Allow to return false while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(3, 10*time.Second, clock)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != BreakerClosed {
		t.Errorf("Expected closed, got %s", b.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterCoolDown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(1, 10*time.Second, clock)

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("Expected open, got %s", b.State())
	}

	clock.Advance(9 * time.Second)
	if b.Allow() {
		t.Error("Expected Allow false before cool-down elapses")
	}

	clock.Advance(2 * time.Second)
	if !b.Allow() {
		t.Error("Expected one trial probe after cool-down")
	}
	// Trial budget is 1: a second concurrent probe is rejected.
	if b.Allow() {
		t.Error("Expected second half-open probe to be rejected")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(1, 10*time.Second, clock)

	b.RecordFailure()
	clock.Advance(11 * time.Second)

	if !b.Allow() {
		t.Fatal("Expected trial probe to be allowed")
	}
	b.RecordSuccess()

	if b.State() != BreakerClosed {
		t.Errorf("Expected closed after half-open success, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("Expected Allow true once closed")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(1, 10*time.Second, clock)

	b.RecordFailure()
	clock.Advance(11 * time.Second)

	if !b.Allow() {
		t.Fatal("Expected trial probe to be allowed")
	}
	b.RecordFailure()

	if b.State() != BreakerOpen {
		t.Errorf("Expected reopened breaker, got %s", b.State())
	}
	if b.Allow() {
		t.Error("Expected Allow false after reopen")
	}
}

func TestBreakerSet_PerProjectIsolation(t *testing.T) {
	set := NewBreakerSet(BreakerSettings{FailureThreshold: 1, CoolDown: time.Minute, HalfOpenProbes: 1})

	set.For("proj_a").RecordFailure()

	if set.For("proj_a").State() != BreakerOpen {
		t.Errorf("Expected proj_a breaker open")
	}
	if set.For("proj_b").State() != BreakerClosed {
		t.Errorf("Expected proj_b breaker unaffected")
	}

	states := set.States()
	if len(states) != 2 {
		t.Errorf("Expected 2 breakers, got %d", len(states))
	}
}
