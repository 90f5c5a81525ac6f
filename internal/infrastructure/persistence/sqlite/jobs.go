package sqlite

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rezkam/backlog/internal/domain"
	"github.com/rezkam/backlog/internal/store"
)

// timeLayout stores timestamps as sortable UTC text so index order matches
// chronological order.
const timeLayout = "2006-01-02 15:04:05.999999999"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

const jobColumns = `id, state, queue, worker, args, meta, tags, attempt,
	max_attempts, priority, errors, attempted_by, inserted_at, scheduled_at,
	attempted_at, completed_at, cancelled_at, discarded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		args        string
		meta        string
		tags        string
		rawErrors   string
		attemptedBy string
		insertedAt  string
		scheduledAt string
		attempted   sql.NullString
		completed   sql.NullString
		cancelled   sql.NullString
		discarded   sql.NullString
	)

	// args/meta come back as TEXT; database/sql cannot scan that into a
	// json.RawMessage directly.
	err := row.Scan(
		&job.ID, &job.State, &job.Queue, &job.Worker, &args, &meta,
		&tags, &job.Attempt, &job.MaxAttempts, &job.Priority, &rawErrors,
		&attemptedBy, &insertedAt, &scheduledAt,
		&attempted, &completed, &cancelled, &discarded,
	)
	if err != nil {
		return nil, err
	}
	job.Args = json.RawMessage(args)
	job.Meta = json.RawMessage(meta)

	if err := json.Unmarshal([]byte(tags), &job.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(rawErrors), &job.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode errors: %w", err)
	}
	if err := json.Unmarshal([]byte(attemptedBy), &job.AttemptedBy); err != nil {
		return nil, fmt.Errorf("failed to decode attempted_by: %w", err)
	}

	if job.InsertedAt, err = decodeTime(insertedAt); err != nil {
		return nil, fmt.Errorf("failed to decode inserted_at: %w", err)
	}
	if job.ScheduledAt, err = decodeTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("failed to decode scheduled_at: %w", err)
	}
	for _, col := range []struct {
		src  sql.NullString
		dest **time.Time
	}{
		{attempted, &job.AttemptedAt},
		{completed, &job.CompletedAt},
		{cancelled, &job.CancelledAt},
		{discarded, &job.DiscardedAt},
	} {
		if !col.src.Valid {
			continue
		}
		t, err := decodeTime(col.src.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decode timestamp: %w", err)
		}
		*col.dest = &t
	}
	return &job, nil
}

// normalizeInsert mirrors the PostgreSQL backend's insertion defaults.
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
		InsertedAt:  now,
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
		(state, queue, worker, args, meta, tags, max_attempts, priority,
		 inserted_at, scheduled_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING ` + jobColumns

func insertOne(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, params store.InsertParams, now time.Time) (*domain.Job, error) {
	job, err := normalizeInsert(params, now)
	if err != nil {
		return nil, err
	}

	tags, err := json.Marshal(job.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	if job.Tags == nil {
		tags = []byte(`[]`)
	}

	row := q.QueryRowContext(ctx, insertJobQuery,
		job.State, job.Queue, job.Worker, string(job.Args), string(job.Meta),
		string(tags), job.MaxAttempts, job.Priority,
		encodeTime(job.InsertedAt), encodeTime(job.ScheduledAt))
	inserted, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", classify(err))
	}
	return inserted, nil
}

func (s *Store) InsertJob(ctx context.Context, params store.InsertParams) (*domain.Job, error) {
	return insertOne(ctx, s.db, params, time.Now().UTC())
}

func (s *Store) InsertJobs(ctx context.Context, params []store.InsertParams) ([]*domain.Job, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	inserted := make([]*domain.Job, 0, len(params))
	for i, p := range params {
		job, err := insertOne(ctx, tx, p, now)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		inserted = append(inserted, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit insert: %w", classify(err))
	}
	return inserted, nil
}

func (s *Store) FindJobByID(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM backlog_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to find job: %w", classify(err))
	}
	return job, nil
}

// claimJobsQuery uses an id-subquery instead of SKIP LOCKED: the single
// connection already serializes writers, so locked-row skipping has nothing
// to skip.
const claimJobsQuery = `
	UPDATE backlog_jobs SET
		state = 'executing',
		attempt = attempt + 1,
		attempted_at = ?,
		attempted_by = json_insert(attempted_by, '$[#]', ?)
	WHERE id IN (
		SELECT id FROM backlog_jobs
		WHERE state = 'available' AND queue = ?
		ORDER BY priority, scheduled_at, id
		LIMIT ?
	)
	RETURNING ` + jobColumns

func (s *Store) ClaimJobs(ctx context.Context, params store.ClaimParams) ([]*domain.Job, error) {
	if params.Limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, claimJobsQuery,
		encodeTime(time.Now()), params.AttemptedBy, params.Queue, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

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

	orderForClaim(claimed)
	return claimed, nil
}

// Staging promotes oldest rows first; priority only matters at claim time.
const stageJobsQuery = `
	UPDATE backlog_jobs SET state = 'available'
	WHERE id IN (
		SELECT id FROM backlog_jobs
		WHERE state IN ('scheduled', 'retryable') AND scheduled_at <= ?
		ORDER BY id
		LIMIT ?
	)
	RETURNING id, queue, state, worker`

func (s *Store) StageJobs(ctx context.Context, limit int) ([]store.StagedJob, error) {
	rows, err := s.db.QueryContext(ctx, stageJobsQuery, encodeTime(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to stage jobs: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

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

func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backlog_jobs SET state = 'completed', completed_at = ?
		WHERE id = ? AND state = 'executing'`, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", classify(err))
	}
	return nil
}

const errorJobQuery = `
	UPDATE backlog_jobs SET
		state        = CASE WHEN attempt >= max_attempts THEN 'discarded' ELSE 'retryable' END,
		discarded_at = CASE WHEN attempt >= max_attempts THEN ? ELSE discarded_at END,
		scheduled_at = CASE WHEN attempt >= max_attempts THEN scheduled_at ELSE ? END,
		errors       = json_insert(errors, '$[#]', json(?))
	WHERE id = ? AND state = 'executing'`

func (s *Store) ErrorJob(ctx context.Context, params store.ErrorParams) error {
	record, err := json.Marshal(params.Error)
	if err != nil {
		return fmt.Errorf("failed to encode error record: %w", err)
	}

	now := encodeTime(time.Now())
	_, err = s.db.ExecContext(ctx, errorJobQuery,
		now, encodeTime(params.RetryAt), string(record), params.ID)
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

	_, err = s.db.ExecContext(ctx, `
		UPDATE backlog_jobs SET
			state = 'discarded', discarded_at = ?,
			errors = json_insert(errors, '$[#]', json(?))
		WHERE id = ? AND state = 'executing'`,
		encodeTime(time.Now()), string(record), params.ID)
	if err != nil {
		return fmt.Errorf("failed to discard job: %w", classify(err))
	}
	return nil
}

func (s *Store) SnoozeJob(ctx context.Context, params store.SnoozeParams) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backlog_jobs SET
			state = 'scheduled', scheduled_at = ?, max_attempts = max_attempts + 1
		WHERE id = ? AND state = 'executing'`,
		encodeTime(params.ScheduledAt), params.ID)
	if err != nil {
		return fmt.Errorf("failed to snooze job: %w", classify(err))
	}
	return nil
}

const cancelJobQuery = `
	UPDATE backlog_jobs SET
		state = 'cancelled',
		cancelled_at = ?,
		errors = CASE WHEN ? IS NULL THEN errors ELSE json_insert(errors, '$[#]', json(?)) END
	WHERE id = ? AND state NOT IN ('completed', 'discarded', 'cancelled')
	RETURNING ` + jobColumns

func (s *Store) CancelJob(ctx context.Context, params store.CancelParams) (*domain.Job, error) {
	var record any
	if params.Error != nil {
		encoded, err := json.Marshal(params.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to encode cancellation record: %w", err)
		}
		record = string(encoded)
	}

	row := s.db.QueryRowContext(ctx, cancelJobQuery,
		encodeTime(time.Now()), record, record, params.ID)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to cancel job: %w", classify(err))
	}

	current, err := s.FindJobByID(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if current.State == domain.JobStateCancelled {
		return current, nil
	}
	return nil, fmt.Errorf("%w: job %d is %s", domain.ErrJobNotCancellable, params.ID, current.State)
}

const retryJobQuery = `
	UPDATE backlog_jobs SET
		state        = 'available',
		scheduled_at = ?,
		max_attempts = CASE WHEN attempt >= max_attempts THEN attempt + 1 ELSE max_attempts END,
		completed_at = NULL,
		cancelled_at = NULL,
		discarded_at = NULL
	WHERE id = ? AND state NOT IN ('available', 'executing')`

func (s *Store) RetryJob(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, retryJobQuery, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", classify(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read retry result: %w", err)
	}
	if affected == 0 {
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
		discarded_at = CASE WHEN attempt >= max_attempts THEN ? ELSE discarded_at END
	WHERE state = 'executing' AND attempted_at < ?`

func (s *Store) RescueStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, rescueStuckJobsQuery,
		encodeTime(now), encodeTime(now.Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("failed to rescue stuck jobs: %w", classify(err))
	}
	return result.RowsAffected()
}

// orderForClaim restores (priority, scheduled_at, id) order; RETURNING does
// not guarantee the subquery's ordering.
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
