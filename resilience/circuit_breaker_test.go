package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowforge/workflows/core"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 2, Timeout: time.Minute, HalfOpenRequests: 1})

	cb.RecordFailure()
	if cb.GetState() != "closed" {
		t.Fatalf("state = %s, want closed", cb.GetState())
	}
	cb.RecordFailure()
	if cb.GetState() != "open" {
		t.Fatalf("state = %s, want open", cb.GetState())
	}
	if cb.CanExecute() {
		t.Error("CanExecute() should be false while open and within timeout")
	}
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, Timeout: time.Millisecond, HalfOpenRequests: 1})

	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	if !cb.CanExecute() {
		t.Fatal("CanExecute() should transition to half-open after timeout")
	}
	if cb.GetState() != "half-open" {
		t.Fatalf("state = %s, want half-open", cb.GetState())
	}

	cb.RecordSuccess()
	if cb.GetState() != "closed" {
		t.Fatalf("state = %s, want closed after half-open success", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, Timeout: time.Millisecond, HalfOpenRequests: 2})

	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	cb.CanExecute()
	cb.RecordFailure()

	if cb.GetState() != "open" {
		t.Fatalf("state = %s, want open after half-open failure", cb.GetState())
	}
}

func TestCircuitBreaker_ExecuteReturnsOpenError(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, Timeout: time.Minute, HalfOpenRequests: 1})
	cb.RecordFailure()

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	if called {
		t.Error("fn should not run while circuit is open")
	}
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, Timeout: time.Minute, HalfOpenRequests: 1})
	cb.RecordFailure()
	cb.Reset()
	if cb.GetState() != "closed" {
		t.Fatalf("state = %s, want closed after Reset", cb.GetState())
	}
	if !cb.CanExecute() {
		t.Error("CanExecute() should be true after Reset")
	}
}
