package main

import (
	"testing"
	"time"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(5, 30)
	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Expected initial state to be Closed, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("Expected Allow() to return true when closed")
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		failures  int
		wantOpen  bool
	}{
		{"threshold 1, 1 failure", 1, 1, true},
		{"threshold 5, 4 failures", 5, 4, false},
		{"threshold 5, 5 failures", 5, 5, true},
		{"threshold 10, 9 failures", 10, 9, false},
		{"threshold 10, 10 failures", 10, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(tt.threshold, 30)
			for i := 0; i < tt.failures; i++ {
				cb.RecordFailure()
			}
			isOpen := cb.State() == CircuitBreakerOpen
			if isOpen != tt.wantOpen {
				t.Errorf("Expected open=%v, got state=%v", tt.wantOpen, cb.State())
			}
		})
	}
}

func TestCircuitBreaker_OpenBlocksUntilCooldown(t *testing.T) {
	cb := NewCircuitBreaker(1, 1)

	cb.RecordFailure()
	if cb.Allow() {
		t.Error("Expected Allow() to return false while open")
	}

	time.Sleep(1100 * time.Millisecond)

	if !cb.Allow() {
		t.Error("Expected Allow() to return true after cooldown (half-open probe)")
	}
	if cb.State() != CircuitBreakerHalfOpen {
		t.Errorf("Expected state HalfOpen after probe, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenOutcomes(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 1)
		cb.RecordFailure()
		time.Sleep(1100 * time.Millisecond)
		cb.Allow()
		cb.RecordSuccess()
		if cb.State() != CircuitBreakerClosed {
			t.Errorf("Expected Closed after half-open success, got %v", cb.State())
		}
	})

	t.Run("failure re-opens", func(t *testing.T) {
		cb := NewCircuitBreaker(3, 1)
		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordFailure()
		time.Sleep(1100 * time.Millisecond)
		cb.Allow()
		cb.RecordFailure()
		if cb.State() != CircuitBreakerOpen {
			t.Errorf("Expected single half-open failure to re-open, got %v", cb.State())
		}
	})
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(5, 30)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Expected Closed after success, got %v", cb.State())
	}
	if got := cb.failures.Load(); got != 0 {
		t.Errorf("Expected failure count reset to 0, got %d", got)
	}
}

func TestCircuitBreaker_Concurrency(t *testing.T) {
	cb := NewCircuitBreaker(100, 30)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cb.Allow()
				cb.RecordFailure()
				cb.RecordSuccess()
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestBreakerSet_PerUser(t *testing.T) {
	set := newBreakerSet(1, 30)

	set.forUser("flaky").RecordFailure()

	if set.forUser("flaky").State() != CircuitBreakerOpen {
		t.Error("Expected flaky user's breaker to be open")
	}
	if set.forUser("healthy").State() != CircuitBreakerClosed {
		t.Error("Expected other users' breakers to be unaffected")
	}
	if set.forUser("flaky") != set.forUser("flaky") {
		t.Error("Expected the same breaker instance per user")
	}
}
