// Package store defines the storage operations the job system depends on.
// PostgreSQL is the primary backend; a SQLite backend exists for embedded
// single-node deployments and hermetic tests.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rezkam/backlog/internal/domain"
)

// InsertParams describes one job to insert. Zero values fall back to the
// documented defaults.
type InsertParams struct {
	Queue  string
	Worker string
	Args   json.RawMessage
	Meta   json.RawMessage
	Tags   []string

	// MaxAttempts defaults to 20.
	MaxAttempts int

	// Priority is 0..9, lower wins. Defaults to 0.
	Priority int

	// ScheduledAt in the future inserts the job as scheduled; otherwise it
	// is immediately available.
	ScheduledAt time.Time
}

// ClaimParams bounds one atomic claim.
type ClaimParams struct {
	Queue string

	// Limit is the producer's current demand: configured limit minus the
	// size of its running set.
	Limit int

	// AttemptedBy is the claiming node identity, appended to the job's
	// attempted_by list.
	AttemptedBy string
}

// StagedJob is the slim projection returned by JobStore.StageJobs; it carries
// just enough for the insert notification payload.
type StagedJob struct {
	ID     int64
	Queue  string
	State  domain.JobState
	Worker string
}

// ErrorParams finalizes a failed execution attempt. The store decides the
// retryable/discarded fork from the job's attempt counters.
type ErrorParams struct {
	ID int64

	Error domain.AttemptError

	// RetryAt is the next run time applied when the job still has attempts
	// left.
	RetryAt time.Time
}

// SnoozeParams reschedules a job from inside its own execution.
type SnoozeParams struct {
	ID int64

	// ScheduledAt is the next run time.
	ScheduledAt time.Time
}

// CancelParams cancels a job. Error is optional; when present it is appended
// to the job's error list as the cancellation reason.
type CancelParams struct {
	ID    int64
	Error *domain.AttemptError
}

// JobStore is the durable job surface consumed by producers, executors and
// the stager.
type JobStore interface {
	// InsertJob validates and persists one job, returning it with its
	// assigned id and derived state.
	InsertJob(ctx context.Context, params InsertParams) (*domain.Job, error)

	// InsertJobs persists many jobs atomically. All succeed or none do.
	InsertJobs(ctx context.Context, params []InsertParams) ([]*domain.Job, error)

	// FindJobByID fetches a single job. Returns domain.ErrJobNotFound when
	// the id does not exist.
	FindJobByID(ctx context.Context, id int64) (*domain.Job, error)

	// ClaimJobs atomically moves up to params.Limit available jobs of the
	// queue to executing and returns them in (priority, scheduled_at, id)
	// order. Rows locked by concurrent claimants are skipped, not waited on.
	ClaimJobs(ctx context.Context, params ClaimParams) ([]*domain.Job, error)

	// StageJobs promotes due scheduled and retryable jobs to available,
	// bounded by limit, and returns the promoted rows.
	StageJobs(ctx context.Context, limit int) ([]StagedJob, error)

	// CompleteJob finalizes a successful execution.
	CompleteJob(ctx context.Context, id int64) error

	// ErrorJob records a failed attempt: the job becomes retryable with
	// scheduled_at = params.RetryAt while attempts remain, discarded
	// otherwise. The error record is appended, never overwritten.
	ErrorJob(ctx context.Context, params ErrorParams) error

	// DiscardJob finalizes an unrecoverable execution regardless of the
	// remaining attempt budget.
	DiscardJob(ctx context.Context, params ErrorParams) error

	// SnoozeJob reschedules an executing job and raises max_attempts by one
	// so the snooze does not consume retry budget.
	SnoozeJob(ctx context.Context, params SnoozeParams) error

	// CancelJob cancels a job from any non-terminal state and returns the
	// updated row. Cancelling an already cancelled job is a no-op returning
	// the row unchanged; completed and discarded jobs return
	// domain.ErrJobNotCancellable.
	CancelJob(ctx context.Context, params CancelParams) (*domain.Job, error)

	// RetryJob makes a job immediately available again, preserving its
	// attempt history and raising max_attempts when saturated.
	RetryJob(ctx context.Context, id int64) error

	// RescueStuckJobs returns executing rows whose attempted_at is older
	// than the horizon to the available state. Used by operator tooling
	// after a non-graceful crash.
	RescueStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// LeaderStore is the peers-table surface consumed by leader election.
type LeaderStore interface {
	// ElectLeader deletes the expired row for name and contends for it.
	// It reports whether node now holds leadership and which node does.
	ElectLeader(ctx context.Context, name, node string, ttl time.Duration) (isLeader bool, leaderNode string, err error)

	// FindLeaderNode returns the node currently holding the row, or empty
	// when there is no live leader.
	FindLeaderNode(ctx context.Context, name string) (string, error)

	// DeleteLeader removes the row iff node holds it, so peers can
	// immediately re-contest after a graceful shutdown.
	DeleteLeader(ctx context.Context, name, node string) error
}

// Store is the full storage contract.
type Store interface {
	JobStore
	LeaderStore

	Close()
}
