package lessonaudio

import (
	"errors"
	"testing"
)

func TestCircuitBreakerTripsAtLimit(t *testing.T) {
	b := NewCircuitBreaker("test", 3)
	for i := 0; i < 3; i++ {
		if err := b.Attempt(); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if b.Tripped() {
		t.Fatal("tripped before limit exceeded")
	}

	err := b.Attempt()
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("attempt past limit = %v, want ErrAttemptsExhausted", err)
	}
	if !b.Tripped() {
		t.Fatal("not tripped after limit exceeded")
	}
}

func TestCircuitBreakerStaysTripped(t *testing.T) {
	b := NewCircuitBreaker("test", 1)
	b.Attempt()
	b.Attempt()
	if err := b.Attempt(); !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("tripped breaker allowed attempt: %v", err)
	}
	if got := b.Attempts(); got != 2 {
		t.Fatalf("attempts = %d, want counter frozen at 2", got)
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	b := NewCircuitBreaker("test", 2)
	b.Attempt()
	b.Attempt()
	b.Attempt()
	if !b.Tripped() {
		t.Fatal("not tripped")
	}

	b.Reset()
	if b.Tripped() || b.Attempts() != 0 {
		t.Fatal("reset did not clear breaker")
	}
	if err := b.Attempt(); err != nil {
		t.Fatalf("attempt after reset: %v", err)
	}
}
