package domain

import "errors"

// Sentinel errors shared across the storage and execution layers.
var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidJob is returned when a job fails insertion-time validation.
	ErrInvalidJob = errors.New("invalid job")

	// ErrJobNotCancellable is returned when a cancel targets a job that is
	// already in a terminal state.
	ErrJobNotCancellable = errors.New("job is not cancellable")

	// ErrJobNotRetryable is returned when an operator retry targets a job
	// that is currently available or executing.
	ErrJobNotRetryable = errors.New("job is not retryable")

	// ErrMissingSchema is returned when the jobs or peers table is absent.
	// The system degrades (no election, no claims) but must not crash.
	ErrMissingSchema = errors.New("jobs schema is missing")

	// ErrUnknownWorker is returned when a job's worker name cannot be
	// resolved against the registry.
	ErrUnknownWorker = errors.New("unknown worker")
)

// TransientError wraps storage errors that are expected to clear on their
// own: dropped connections, serialization failures, lock contention.
// Components absorb these at their boundary and retry with backoff; all
// other storage errors are treated as permanent.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string { return e.Err.Error() }
func (e TransientError) Unwrap() error { return e.Err }

// Transient wraps an error to signal that the operation may be retried.
func Transient(err error) error {
	return TransientError{Err: err}
}

// IsTransient reports whether the error chain contains a TransientError.
func IsTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te)
}
