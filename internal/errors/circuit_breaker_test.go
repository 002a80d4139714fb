package errors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failingCall(ctx context.Context) error { return errors.New("backend down") }
func succeedingCall(ctx context.Context) error { return nil }

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 3,
		Timeout:          time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, failingCall); err == nil {
			t.Fatalf("expected failure on attempt %d", i+1)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	// While open, calls are rejected without invoking the function.
	invoked := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if err == nil {
		t.Fatalf("expected fast-fail while open")
	}
	if invoked {
		t.Fatalf("function must not run while circuit is open")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("open rejection should map to unavailable, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          20 * time.Millisecond,
	})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after threshold")
	}

	time.Sleep(30 * time.Millisecond)

	if err := cb.Execute(ctx, succeedingCall); err != nil {
		t.Fatalf("probe call should be admitted after timeout: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", got)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          20 * time.Millisecond,
	})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)
	time.Sleep(30 * time.Millisecond)

	if err := cb.Execute(ctx, failingCall); err == nil {
		t.Fatalf("probe should run and fail")
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", got)
	}

	// The reopen restarts the reset timer; an immediate call fast-fails.
	if err := cb.Allow(); err == nil {
		t.Fatalf("expected rejection right after reopen")
	}
}

func TestCircuitBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})

	cb.Mark(errors.New("boom"))
	if cb.State() != StateOpen {
		t.Fatalf("expected open")
	}
	time.Sleep(15 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("first probe should be admitted: %v", err)
	}
	if err := cb.Allow(); err == nil {
		t.Fatalf("second concurrent probe should be rejected")
	}

	cb.Mark(nil)
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 3,
		Timeout:          time.Hour,
	})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, succeedingCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)

	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed (failures are consecutive)", got)
	}
}

func TestManagerReturnsSameBreakerPerName(t *testing.T) {
	m := NewCircuitBreakerManager(DefaultCircuitBreakerConfig())
	a := m.Get("embedder")
	b := m.Get("embedder")
	if a != b {
		t.Fatalf("expected one breaker instance per name")
	}
	if c := m.Get("language"); c == a {
		t.Fatalf("different names must get different breakers")
	}
}
