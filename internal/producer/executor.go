package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rezkam/backlog/internal/domain"
	"github.com/rezkam/backlog/internal/store"
	"github.com/rezkam/backlog/internal/worker"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/metric"
)

// errKilled marks an execution terminated by a pkill signal.
var errKilled = errors.New("job killed by operator")

// executor runs a single claimed job to its final transition. Timeouts and
// kills terminate the attempt from outside: the Perform goroutine gets its
// context cancelled and is otherwise abandoned, since Go cannot force-stop
// a goroutine that ignores cancellation.
type executor struct {
	store   store.JobStore
	workers *worker.Registry
	job     *domain.Job

	inst      *instruments
	queueAttr metric.AddOption

	// killed is closed by a pkill signal, abandon by a forced shutdown.
	killed   chan struct{}
	killOnce sync.Once
	abandon  <-chan struct{}
}

func newExecutor(st store.JobStore, workers *worker.Registry, job *domain.Job, inst *instruments, queueAttr metric.AddOption, abandon <-chan struct{}) *executor {
	return &executor{
		store:     st,
		workers:   workers,
		job:       job,
		inst:      inst,
		queueAttr: queueAttr,
		killed:    make(chan struct{}),
		abandon:   abandon,
	}
}

// kill terminates the execution and cancels the job. Repeated pkills for the
// same job are routine (operator cancel racing the CLI, re-broadcast
// signals), so kill is idempotent.
func (e *executor) kill() {
	e.killOnce.Do(func() { close(e.killed) })
}

func (e *executor) run(ctx context.Context) {
	err, abandoned := e.execute(ctx)
	if abandoned {
		// Shutdown grace expired. The row stays executing for a later
		// rescue pass.
		return
	}
	// A finished attempt gets its transition recorded even when the start
	// context was already cancelled by a shutdown.
	e.finalize(context.WithoutCancel(ctx), err)
}

// execute resolves and runs the worker, returning the execution outcome. The
// abandoned result is true when a forced shutdown released this executor
// before the worker finished.
func (e *executor) execute(ctx context.Context) (err error, abandoned bool) {
	w, resolveErr := e.workers.Resolve(e.job.Worker)
	if resolveErr != nil {
		return resolveErr, false
	}

	performCtx, cancelPerform := context.WithCancel(ctx)
	defer cancelPerform()

	var timeoutC <-chan time.Time
	var timeout time.Duration
	if limiter, ok := w.(worker.TimeoutLimiter); ok {
		if timeout = limiter.Timeout(e.job); timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			timeoutC = timer.C
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- worker.PanicError{Value: v, StackTrace: string(debug.Stack())}
			}
		}()
		done <- w.Perform(performCtx, e.job)
	}()

	select {
	case performErr := <-done:
		return performErr, false
	case <-timeoutC:
		cancelPerform()
		return worker.TimeoutError{Timeout: timeout}, false
	case <-e.killed:
		cancelPerform()
		return errKilled, false
	case <-e.abandon:
		cancelPerform()
		return nil, true
	}
}

// finalize maps the execution outcome to its state transition and persists
// it. The write is retried with bounded backoff on transient storage errors
// because losing the transition would strand the job in executing.
func (e *executor) finalize(ctx context.Context, execErr error) {
	now := time.Now().UTC()
	record := domain.AttemptError{Attempt: e.job.Attempt, At: now}

	var op func(context.Context) error
	var counter metric.Int64Counter

	switch {
	case execErr == nil:
		op = func(ctx context.Context) error {
			return e.store.CompleteJob(ctx, e.job.ID)
		}
		counter = e.inst.completed

	case errors.Is(execErr, errKilled):
		record.Error = execErr.Error()
		op = func(ctx context.Context) error {
			_, err := e.store.CancelJob(ctx, store.CancelParams{ID: e.job.ID, Error: &record})
			return err
		}
		counter = e.inst.cancelled

	case errors.Is(execErr, domain.ErrUnknownWorker):
		record.Error = execErr.Error()
		op = func(ctx context.Context) error {
			return e.store.DiscardJob(ctx, store.ErrorParams{ID: e.job.ID, Error: record})
		}
		counter = e.inst.discarded
		slog.ErrorContext(ctx, "no worker registered for job, discarding",
			"job_id", e.job.ID, "worker", e.job.Worker)

	default:
		if delay, ok := worker.IsSnooze(execErr); ok {
			op = func(ctx context.Context) error {
				return e.store.SnoozeJob(ctx, store.SnoozeParams{ID: e.job.ID, ScheduledAt: now.Add(delay)})
			}
			counter = e.inst.snoozed
			break
		}

		if worker.IsCancel(execErr) {
			record.Error = execErr.Error()
			op = func(ctx context.Context) error {
				_, err := e.store.CancelJob(ctx, store.CancelParams{ID: e.job.ID, Error: &record})
				return err
			}
			counter = e.inst.cancelled
			break
		}

		record.Error = errorBanner(execErr)
		retryAt := now.Add(e.retryDelay())
		op = func(ctx context.Context) error {
			return e.store.ErrorJob(ctx, store.ErrorParams{ID: e.job.ID, Error: record, RetryAt: retryAt})
		}
		counter = e.inst.errored
		slog.WarnContext(ctx, "job attempt failed",
			"job_id", e.job.ID, "worker", e.job.Worker, "attempt", e.job.Attempt,
			"max_attempts", e.job.MaxAttempts, "error", execErr)
	}

	if err := e.persist(ctx, op); err != nil {
		slog.ErrorContext(ctx, "failed to persist job transition, job stays executing until rescued",
			"job_id", e.job.ID, "error", err)
		return
	}

	if counter != nil {
		counter.Add(ctx, 1, e.queueAttr)
	}
}

// persist writes the transition, retrying transient failures a few times.
func (e *executor) persist(ctx context.Context, op func(context.Context) error) error {
	backoff := retry.WithMaxRetries(4, retry.NewExponential(250*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if domain.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// retryDelay asks the worker for a backoff override and falls back to the
// default schedule. The worker is re-resolved because the execution error
// may have come from the timeout path where no instance is in scope.
func (e *executor) retryDelay() time.Duration {
	if w, err := e.workers.Resolve(e.job.Worker); err == nil {
		if scheduler, ok := w.(worker.BackoffScheduler); ok {
			if d := scheduler.Backoff(e.job); d > 0 {
				return d
			}
		}
	}
	return worker.DefaultBackoff(e.job.Attempt)
}

// errorBanner renders the recorded error text. Panics carry their stack so
// the failure is debuggable from the job row alone.
func errorBanner(err error) string {
	var panicErr worker.PanicError
	if errors.As(err, &panicErr) {
		return fmt.Sprintf("%s\n%s", panicErr.Error(), panicErr.StackTrace)
	}
	return err.Error()
}
