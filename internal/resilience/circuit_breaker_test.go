package resilience

import (
	"errors"
	"testing"
	"time"
)

var errService = errors.New("service failure")

func failingCall() error { return errService }
func okCall() error      { return nil }

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := cb.Call(failingCall); !errors.Is(err, errService) {
			t.Fatalf("Expected the call's own error, got %v", err)
		}
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected open after 3 failures, got %v", cb.State())
	}
}

func TestCircuitBreaker_FailsFastWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Minute)
	cb.Call(failingCall)

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("Expected guarded function not to run while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute)

	cb.Call(failingCall)
	cb.Call(failingCall)
	cb.Call(okCall)
	cb.Call(failingCall)
	cb.Call(failingCall)

	if cb.State() != StateClosed {
		t.Errorf("Expected closed with non-consecutive failures, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenClosesAfterProbes(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond)
	cb.Call(failingCall)
	if cb.State() != StateOpen {
		t.Fatalf("Expected open, got %v", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	// Three successful probes close the circuit.
	for i := 0; i < 3; i++ {
		if err := cb.Call(okCall); err != nil {
			t.Fatalf("Expected probe %d to be allowed, got %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected closed after successful probes, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond)
	cb.Call(failingCall)

	time.Sleep(20 * time.Millisecond)

	if err := cb.Call(failingCall); !errors.Is(err, errService) {
		t.Fatalf("Expected the probe to run, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected reopened after failed probe, got %v", cb.State())
	}
	if err := cb.Call(okCall); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected fail-fast after reopen, got %v", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Minute)
	cb.Call(failingCall)
	if cb.State() != StateOpen {
		t.Fatalf("Expected open, got %v", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("Expected closed after reset, got %v", cb.State())
	}
	if err := cb.Call(okCall); err != nil {
		t.Errorf("Expected call to pass after reset, got %v", err)
	}
}
