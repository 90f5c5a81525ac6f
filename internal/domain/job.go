package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a job.
//
// NOTE: These values are persisted in the jobs table and are part of the
// stable on-disk contract.
type JobState string

const (
	JobStateScheduled JobState = "scheduled"
	JobStateAvailable JobState = "available"
	JobStateExecuting JobState = "executing"
	JobStateRetryable JobState = "retryable"
	JobStateCompleted JobState = "completed"
	JobStateDiscarded JobState = "discarded"
	JobStateCancelled JobState = "cancelled"
)

// JobStates returns every valid job state.
func JobStates() []JobState {
	return []JobState{
		JobStateScheduled,
		JobStateAvailable,
		JobStateExecuting,
		JobStateRetryable,
		JobStateCompleted,
		JobStateDiscarded,
		JobStateCancelled,
	}
}

// Terminal reports whether the state is absorbing. Terminal jobs never
// transition again except through an operator-initiated retry.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateDiscarded, JobStateCancelled:
		return true
	}
	return false
}

// validTransitions encodes the job state machine. Operator-initiated
// transitions (cancel from any non-terminal state, retry from a terminal
// state) are handled separately by CanCancel and CanRetry.
var validTransitions = map[JobState][]JobState{
	JobStateScheduled: {JobStateAvailable},
	JobStateRetryable: {JobStateAvailable},
	JobStateAvailable: {JobStateExecuting},
	JobStateExecuting: {
		JobStateCompleted,
		JobStateRetryable,
		JobStateDiscarded,
		JobStateCancelled,
		JobStateScheduled, // snooze
	},
}

// CanTransitionTo reports whether the machine permits moving from s to next.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// CanCancel reports whether an operator cancel is permitted from s.
func (s JobState) CanCancel() bool {
	return !s.Terminal()
}

// CanRetry reports whether an operator retry is permitted from s.
func (s JobState) CanRetry() bool {
	return s.Terminal() || s == JobStateRetryable || s == JobStateScheduled
}

// AttemptError records a single failed execution attempt. One entry is
// appended to a job's error list per failure; entries are never overwritten.
type AttemptError struct {
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Error   string    `json:"error"`
}

// Job is the central durable entity. The database owns it exclusively; all
// in-memory copies are derivative snapshots.
type Job struct {
	// ID is a monotonic 64-bit identifier assigned by the store.
	ID int64

	State JobState

	// Queue identifies the producer responsible for the job.
	Queue string

	// Worker names the user code to invoke. It is resolved against the
	// worker registry at execution time.
	Worker string

	// Args is an opaque JSON object passed through to the worker.
	Args json.RawMessage

	// Meta is an opaque JSON object reserved for callers.
	Meta json.RawMessage

	Tags []string

	// Attempt counts execution attempts so far. 0 <= Attempt <= MaxAttempts.
	Attempt     int
	MaxAttempts int

	// Priority orders claims within a queue. 0..9, lower wins.
	Priority int

	Errors []AttemptError

	// AttemptedBy records node identities that claimed the job, most recent
	// last.
	AttemptedBy []string

	InsertedAt  time.Time
	ScheduledAt time.Time
	AttemptedAt *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
	DiscardedAt *time.Time
}

const (
	// MaxQueueLength bounds the queue name in bytes.
	MaxQueueLength = 128
	// MaxWorkerLength bounds the worker name in bytes.
	MaxWorkerLength = 128
	// MaxAttemptsLimit is the hard ceiling on max_attempts.
	MaxAttemptsLimit = 99
)

// Validate checks the insertion-time invariants of a job.
func (j *Job) Validate() error {
	if j.Queue == "" {
		return fmt.Errorf("%w: queue must not be empty", ErrInvalidJob)
	}
	if len(j.Queue) > MaxQueueLength {
		return fmt.Errorf("%w: queue exceeds %d bytes", ErrInvalidJob, MaxQueueLength)
	}
	if j.Worker == "" {
		return fmt.Errorf("%w: worker must not be empty", ErrInvalidJob)
	}
	if len(j.Worker) > MaxWorkerLength {
		return fmt.Errorf("%w: worker exceeds %d bytes", ErrInvalidJob, MaxWorkerLength)
	}
	if j.MaxAttempts <= 0 || j.MaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("%w: max_attempts must be in 1..%d, got %d", ErrInvalidJob, MaxAttemptsLimit, j.MaxAttempts)
	}
	if j.Priority < 0 || j.Priority > 9 {
		return fmt.Errorf("%w: priority must be in 0..9, got %d", ErrInvalidJob, j.Priority)
	}
	return nil
}
