package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rezkam/backlog/internal/domain"
	"github.com/rezkam/backlog/internal/store"
)

const jobColumns = `id, state, queue, worker, args, meta, tags, attempt,
	max_attempts, priority, errors, attempted_by, inserted_at, scheduled_at,
	attempted_at, completed_at, cancelled_at, discarded_at`

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job       domain.Job
		rawErrors []byte
	)
	err := row.Scan(
		&job.ID, &job.State, &job.Queue, &job.Worker, &job.Args, &job.Meta,
		&job.Tags, &job.Attempt, &job.MaxAttempts, &job.Priority, &rawErrors,
		&job.AttemptedBy, &job.InsertedAt, &job.ScheduledAt, &job.AttemptedAt,
		&job.CompletedAt, &job.CancelledAt, &job.DiscardedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(rawErrors) > 0 {
		if err := json.Unmarshal(rawErrors, &job.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode job errors: %w", err)
		}
	}
	return &job, nil
}

// normalizeInsert applies insertion defaults and validates the result.
func normalizeInsert(params store.InsertParams, now time.Time) (*domain.Job, error) {
	job := &domain.Job{
		Queue:       params.Queue,
		Worker:      params.Worker,
		Args:        params.Args,
		Meta:        params.Meta,
		Tags:        params.Tags,
		MaxAttempts: params.MaxAttempts,
		Priority:    params.Priority,
		State:       domain.JobStateAvailable,
		ScheduledAt: now,
	}
	if job.Queue == "" {
		job.Queue = "default"
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 20
	}
	if len(job.Args) == 0 {
		job.Args = json.RawMessage(`{}`)
	}
	if len(job.Meta) == 0 {
		job.Meta = json.RawMessage(`{}`)
	}
	if params.ScheduledAt.After(now) {
		job.State = domain.JobStateScheduled
		job.ScheduledAt = params.ScheduledAt
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

const insertJobQuery = `
	INSERT INTO backlog_jobs
		(state, queue, worker, args, meta, tags, max_attempts, priority, scheduled_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING ` + jobColumns

func (s *Store) InsertJob(ctx context.Context, params store.InsertParams) (*domain.Job, error) {
	job, err := normalizeInsert(params, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, insertJobQuery,
		job.State, job.Queue, job.Worker, job.Args, job.Meta, job.Tags,
		job.MaxAttempts, job.Priority, job.ScheduledAt)
	inserted, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", classify(err))
	}
	return inserted, nil
}

func (s *Store) InsertJobs(ctx context.Context, params []store.InsertParams) ([]*domain.Job, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := make([]*domain.Job, 0, len(params))
	for i, p := range params {
		job, err := normalizeInsert(p, now)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}

		row := tx.QueryRow(ctx, insertJobQuery,
			job.State, job.Queue, job.Worker, job.Args, job.Meta, job.Tags,
			job.MaxAttempts, job.Priority, job.ScheduledAt)
		saved, err := scanJob(row)
		if err != nil {
			return nil, fmt.Errorf("failed to insert job %d: %w", i, classify(err))
		}
		inserted = append(inserted, saved)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit insert: %w", classify(err))
	}
	return inserted, nil
}

func (s *Store) FindJobByID(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM backlog_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to find job: %w", classify(err))
	}
	return job, nil
}

// claimJobsQuery locks claimable rows with SKIP LOCKED so concurrent
// producers never contend on the same job, then flips them to executing in
// the same statement.
const claimJobsQuery = `
	WITH claimable AS (
		SELECT id FROM backlog_jobs
		WHERE state = 'available' AND queue = $1
		ORDER BY priority, scheduled_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	UPDATE backlog_jobs j SET
		state = 'executing',
		attempt = j.attempt + 1,
		attempted_at = now(),
		attempted_by = array_append(j.attempted_by, $3)
	FROM claimable
	WHERE j.id = claimable.id
	RETURNING ` + prefixedJobColumns

// prefixedJobColumns qualifies jobColumns for the UPDATE ... FROM form.
const prefixedJobColumns = `j.id, j.state, j.queue, j.worker, j.args, j.meta,
	j.tags, j.attempt, j.max_attempts, j.priority, j.errors, j.attempted_by,
	j.inserted_at, j.scheduled_at, j.attempted_at, j.completed_at,
	j.cancelled_at, j.discarded_at`

func (s *Store) ClaimJobs(ctx context.Context, params store.ClaimParams) ([]*domain.Job, error) {
	if params.Limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, claimJobsQuery, params.Queue, params.Limit, params.AttemptedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", classify(err))
	}
	defer rows.Close()

	var claimed []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed jobs: %w", classify(err))
	}

	// The UPDATE ... FROM form does not preserve the CTE ordering.
	orderForClaim(claimed)
	return claimed, nil
}

// Staging promotes oldest rows first; priority only matters at claim time.
const stageJobsQuery = `
	WITH due AS (
		SELECT id FROM backlog_jobs
		WHERE state IN ('scheduled', 'retryable') AND scheduled_at <= now()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE backlog_jobs j SET state = 'available'
	FROM due
	WHERE j.id = due.id
	RETURNING j.id, j.queue, j.state, j.worker`

func (s *Store) StageJobs(ctx context.Context, limit int) ([]store.StagedJob, error) {
	rows, err := s.pool.Query(ctx, stageJobsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to stage jobs: %w", classify(err))
	}
	defer rows.Close()

	var staged []store.StagedJob
	for rows.Next() {
		var job store.StagedJob
		if err := rows.Scan(&job.ID, &job.Queue, &job.State, &job.Worker); err != nil {
			return nil, fmt.Errorf("failed to scan staged job: %w", err)
		}
		staged = append(staged, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read staged jobs: %w", classify(err))
	}
	return staged, nil
}

// CompleteJob is a no-op when the row already left executing, which happens
// when an operator cancelled the job mid-flight.
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE backlog_jobs SET state = 'completed', completed_at = now()
		WHERE id = $1 AND state = 'executing'`, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", classify(err))
	}
	return nil
}

// errorJobQuery applies the retry fork: the attempt that just failed was
// already counted by the claim, so attempt >= max_attempts means the budget
// is exhausted.
const errorJobQuery = `
	UPDATE backlog_jobs SET
		state        = CASE WHEN attempt >= max_attempts THEN 'discarded' ELSE 'retryable' END,
		discarded_at = CASE WHEN attempt >= max_attempts THEN now() ELSE discarded_at END,
		scheduled_at = CASE WHEN attempt >= max_attempts THEN scheduled_at ELSE $2 END,
		errors       = errors || $3::jsonb
	WHERE id = $1 AND state = 'executing'`

func (s *Store) ErrorJob(ctx context.Context, params store.ErrorParams) error {
	record, err := json.Marshal(params.Error)
	if err != nil {
		return fmt.Errorf("failed to encode error record: %w", err)
	}

	_, err = s.pool.Exec(ctx, errorJobQuery, params.ID, params.RetryAt, record)
	if err != nil {
		return fmt.Errorf("failed to record job error: %w", classify(err))
	}
	return nil
}

func (s *Store) DiscardJob(ctx context.Context, params store.ErrorParams) error {
	record, err := json.Marshal(params.Error)
	if err != nil {
		return fmt.Errorf("failed to encode error record: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE backlog_jobs SET
			state = 'discarded', discarded_at = now(), errors = errors || $2::jsonb
		WHERE id = $1 AND state = 'executing'`, params.ID, record)
	if err != nil {
		return fmt.Errorf("failed to discard job: %w", classify(err))
	}
	return nil
}

// SnoozeJob raises max_attempts alongside the reschedule so the attempt the
// snooze consumed does not eat into the retry budget.
func (s *Store) SnoozeJob(ctx context.Context, params store.SnoozeParams) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE backlog_jobs SET
			state = 'scheduled', scheduled_at = $2, max_attempts = max_attempts + 1
		WHERE id = $1 AND state = 'executing'`, params.ID, params.ScheduledAt)
	if err != nil {
		return fmt.Errorf("failed to snooze job: %w", classify(err))
	}
	return nil
}

const cancelJobQuery = `
	UPDATE backlog_jobs SET
		state = 'cancelled',
		cancelled_at = now(),
		errors = CASE WHEN $2::jsonb IS NULL THEN errors ELSE errors || $2::jsonb END
	WHERE id = $1 AND state NOT IN ('completed', 'discarded', 'cancelled')
	RETURNING ` + jobColumns

func (s *Store) CancelJob(ctx context.Context, params store.CancelParams) (*domain.Job, error) {
	var record []byte
	if params.Error != nil {
		encoded, err := json.Marshal(params.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to encode cancellation record: %w", err)
		}
		record = encoded
	}

	row := s.pool.QueryRow(ctx, cancelJobQuery, params.ID, record)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to cancel job: %w", classify(err))
	}

	// No row updated: missing, already cancelled, or terminal.
	current, err := s.FindJobByID(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if current.State == domain.JobStateCancelled {
		return current, nil
	}
	return nil, fmt.Errorf("%w: job %d is %s", domain.ErrJobNotCancellable, params.ID, current.State)
}

// retryJobQuery re-runs a finished or stuck-in-the-future job. When the
// attempt budget is saturated, max_attempts grows by one so the retry is
// actually executable.
const retryJobQuery = `
	UPDATE backlog_jobs SET
		state        = 'available',
		scheduled_at = now(),
		max_attempts = CASE WHEN attempt >= max_attempts THEN attempt + 1 ELSE max_attempts END,
		completed_at = NULL,
		cancelled_at = NULL,
		discarded_at = NULL
	WHERE id = $1 AND state NOT IN ('available', 'executing')`

func (s *Store) RetryJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, retryJobQuery, id)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		// Available and executing jobs are already on their way; only a
		// missing row is an error.
		if _, err := s.FindJobByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// rescueStuckJobsQuery returns abandoned rows to available, except rows whose
// attempt budget is already spent: re-claiming those would push attempt past
// max_attempts, so they discard instead.
const rescueStuckJobsQuery = `
	UPDATE backlog_jobs SET
		state        = CASE WHEN attempt >= max_attempts THEN 'discarded' ELSE 'available' END,
		discarded_at = CASE WHEN attempt >= max_attempts THEN now() ELSE discarded_at END
	WHERE state = 'executing' AND attempted_at < $1`

func (s *Store) RescueStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	horizon := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, rescueStuckJobsQuery, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to rescue stuck jobs: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// orderForClaim restores (priority, scheduled_at, id) order after an
// UPDATE ... FROM that returns rows in arbitrary order.
func orderForClaim(jobs []*domain.Job) {
	slices.SortFunc(jobs, func(a, b *domain.Job) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
