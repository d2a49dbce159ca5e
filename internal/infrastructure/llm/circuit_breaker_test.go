package llm

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if !cb.Allow() {
			t.Fatalf("breaker must stay closed below the threshold (failure %d)", i+1)
		}
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 3 consecutive failures, got %s", cb.State())
	}
	if cb.Allow() {
		t.Errorf("open breaker must reject calls inside the recovery window")
	}
	if cb.ConsecutiveFailures() != 3 {
		t.Errorf("expected failure streak 3, got %d", cb.ConsecutiveFailures())
	}
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Errorf("non-consecutive failures must not trip the breaker, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatalf("freshly opened breaker must reject")
	}

	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatalf("recovery window elapsed, expected one probe admitted")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open during the probe, got %s", cb.State())
	}
	if cb.Allow() {
		t.Errorf("only one probe may be in flight; concurrent calls must be rejected")
	}
}

func TestCircuitBreaker_ProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected probe admitted")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("successful probe must close the circuit, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Errorf("closed circuit must allow calls")
	}
}

func TestCircuitBreaker_ProbeFailureReopensWithFreshWindow(t *testing.T) {
	cb := NewCircuitBreaker(1, 30*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected probe admitted")
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("failed probe must re-open, got %s", cb.State())
	}
	if cb.Allow() {
		t.Errorf("re-opened breaker must reject until a fresh recovery window passes")
	}
}

func TestCircuitBreaker_ResetClearsEverything(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.RecordFailure()
	cb.Reset()

	if cb.State() != CircuitClosed || cb.ConsecutiveFailures() != 0 {
		t.Errorf("reset must close the circuit and clear the streak")
	}
	if !cb.Allow() {
		t.Errorf("reset circuit must allow calls")
	}
}
