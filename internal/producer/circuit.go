package producer

import "sync"

// circuitBreaker suppresses claims after a transient storage error so a
// flapping connection does not turn into a claim storm across every
// producer. The owning producer schedules the reset.
type circuitBreaker struct {
	mu   sync.Mutex
	open bool
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{}
}

func (b *circuitBreaker) trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = true
}

func (b *circuitBreaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
}

func (b *circuitBreaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
