package worker

import (
	"errors"
	"fmt"
	"time"
)

// === Worker-Requested Transitions ===

// SnoozeError reschedules the job Duration into the future instead of
// completing it. The retry budget is preserved: max_attempts grows by one to
// compensate for the attempt the snooze consumed.
type SnoozeError struct {
	Duration time.Duration
}

func (e SnoozeError) Error() string {
	return fmt.Sprintf("job snoozed for %s", e.Duration)
}

// Snooze reschedules the job to run again after d.
//
// Example:
//
//	func (w *SyncWorker) Perform(ctx context.Context, job *domain.Job) error {
//	    if upstreamBusy() {
//	        return worker.Snooze(time.Minute)
//	    }
//	    ...
//	}
func Snooze(d time.Duration) error {
	return SnoozeError{Duration: d}
}

// IsSnooze reports whether the error requests a snooze and returns the delay.
func IsSnooze(err error) (time.Duration, bool) {
	var snooze SnoozeError
	if errors.As(err, &snooze) {
		return snooze.Duration, true
	}
	return 0, false
}

// CancelError stops the job permanently with a recorded reason. Cancelled
// jobs never retry.
type CancelError struct {
	Reason string
}

func (e CancelError) Error() string {
	return fmt.Sprintf("job cancelled: %s", e.Reason)
}

// Cancel marks the job cancelled instead of failed. Use when the work is
// permanently moot (the target record was deleted, the account is closed).
func Cancel(reason string) error {
	return CancelError{Reason: reason}
}

// IsCancel reports whether the error requests cancellation.
func IsCancel(err error) bool {
	var cancel CancelError
	return errors.As(err, &cancel)
}

// === Fault Classification ===

// TimeoutError records that Perform exceeded its configured timeout. The
// executor terminates the task from outside and applies the normal failure
// fork with this synthetic error.
type TimeoutError struct {
	Timeout time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("timeout: job exceeded %s", e.Timeout)
}

// IsTimeout reports whether the error is a synthetic execution timeout.
func IsTimeout(err error) bool {
	var timeout TimeoutError
	return errors.As(err, &timeout)
}

// PanicError wraps a panic raised inside Perform. The formatted banner plus
// stack trace becomes the recorded error text; the job itself follows the
// normal retryable/discarded fork because a fault must never crash the
// producer.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic reports whether the error wraps a recovered panic.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}
