package lessonaudio

import (
	"fmt"
	"sync"
)

// CircuitBreaker caps retry loops. Every polling or retry path in the
// engine goes through one of these so that a permanently-unready chunk
// converts into a terminal error instead of spinning forever. The caps
// are a deliberate design contract, not tuning knobs.
type CircuitBreaker struct {
	mu       sync.Mutex
	name     string
	attempts int
	max      int
	tripped  bool
}

// NewCircuitBreaker creates a breaker allowing at most max attempts.
func NewCircuitBreaker(name string, max int) *CircuitBreaker {
	if max <= 0 {
		max = 1
	}
	return &CircuitBreaker{name: name, max: max}
}

// Attempt consumes one attempt. Once the cap is exceeded the breaker
// trips and every subsequent call returns ErrAttemptsExhausted.
func (b *CircuitBreaker) Attempt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return b.exhausted()
	}
	b.attempts++
	if b.attempts > b.max {
		b.tripped = true
		return b.exhausted()
	}
	return nil
}

// Tripped reports whether the breaker has exhausted its attempts.
func (b *CircuitBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Attempts returns the number of attempts consumed so far.
func (b *CircuitBreaker) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset restores the breaker to its initial state. Called when the guarded
// operation succeeds so later failures start from a clean count.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.tripped = false
}

func (b *CircuitBreaker) exhausted() error {
	return fmt.Errorf("%s: %d attempts: %w", b.name, b.max, ErrAttemptsExhausted)
}
