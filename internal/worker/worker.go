// Package worker defines the interface user job code implements and the
// registry that resolves persisted worker names back to implementations.
package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rezkam/backlog/internal/domain"
)

// Worker is implemented by user job code. Perform runs on a dedicated
// goroutine; returning nil completes the job, returning an error routes it
// through the retry fork, and the Snooze/Cancel helpers request the
// corresponding transitions.
type Worker interface {
	Perform(ctx context.Context, job *domain.Job) error
}

// TimeoutLimiter lets a worker bound each execution. A non-positive duration
// means unbounded, which is the default.
type TimeoutLimiter interface {
	Timeout(job *domain.Job) time.Duration
}

// BackoffScheduler lets a worker override the retry delay after a failure.
// A non-positive duration falls back to DefaultBackoff.
type BackoffScheduler interface {
	Backoff(job *domain.Job) time.Duration
}

// Registry maps worker names to builders. It is populated once at startup
// and read concurrently by every executor afterwards.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]func() Worker
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]func() Worker)}
}

// Register binds a worker name to a builder. Registering a duplicate name is
// a configuration error and fails fast.
func (r *Registry) Register(name string, builder func() Worker) error {
	if name == "" {
		return fmt.Errorf("worker name must not be empty")
	}
	if len(name) > domain.MaxWorkerLength {
		return fmt.Errorf("worker name %q exceeds %d bytes", name, domain.MaxWorkerLength)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[name]; exists {
		return fmt.Errorf("worker %q is already registered", name)
	}
	r.builders[name] = builder
	return nil
}

// Resolve builds a worker for the persisted name. Unknown names return
// domain.ErrUnknownWorker, which executors treat as a non-retryable failure
// rather than a crash.
func (r *Registry) Resolve(name string) (Worker, error) {
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownWorker, name)
	}
	return builder(), nil
}

// Names returns the registered worker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultBackoff computes the retry delay for the given attempt count:
// 2^attempt + 15 seconds with ±10% jitter.
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Clamp so the result fits a time.Duration even with positive jitter:
	// 2^33 seconds in nanoseconds already overflows int64.
	if attempt > 31 {
		attempt = 31
	}

	seconds := math.Pow(2, float64(attempt)) + 15
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(seconds * jitter * float64(time.Second))
}
