package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/rezkam/backlog/internal/config"
	"github.com/rezkam/backlog/internal/domain"
	"github.com/rezkam/backlog/internal/notify"
	"github.com/rezkam/backlog/internal/store"
	"github.com/samber/lo"
)

// Insert persists one job and, when it is immediately available, tells
// producers about the new work. Notification failure is not an insert
// failure: the stager will surface the job within one interval anyway.
func (i *Instance) Insert(ctx context.Context, params store.InsertParams) (*domain.Job, error) {
	job, err := i.store.InsertJob(ctx, params)
	if err != nil {
		return nil, err
	}
	if job.State == domain.JobStateAvailable {
		i.notifyInserted(ctx, []string{job.Queue})
	}
	return job, nil
}

// InsertMany persists a batch of jobs atomically.
func (i *Instance) InsertMany(ctx context.Context, params []store.InsertParams) ([]*domain.Job, error) {
	jobs, err := i.store.InsertJobs(ctx, params)
	if err != nil {
		return nil, err
	}

	queues := lo.Uniq(lo.FilterMap(jobs, func(j *domain.Job, _ int) (string, bool) {
		return j.Queue, j.State == domain.JobStateAvailable
	}))
	if len(queues) > 0 {
		i.notifyInserted(ctx, queues)
	}
	return jobs, nil
}

func (i *Instance) notifyInserted(ctx context.Context, queues []string) {
	payload := make([]notify.InsertPayload, 0, len(queues))
	for _, queue := range queues {
		payload = append(payload, notify.InsertPayload{Queue: queue})
	}
	if err := i.relay.Notify(ctx, notify.ChannelInsert, payload); err != nil {
		// Producers fall back to the staging pulse.
		return
	}
}

// StartQueue starts q on every node of the instance, this one included.
func (i *Instance) StartQueue(ctx context.Context, q config.Queue) error {
	if err := i.startLocalQueue(ctx, q); err != nil {
		return err
	}
	return i.relay.Notify(ctx, notify.ChannelSignal, notify.SignalPayload{
		Action: notify.SignalStart,
		Queue:  q.Name,
		Limit:  q.Limit,
		Paused: q.Paused,
	})
}

// StopQueue drains and stops the queue on every node.
func (i *Instance) StopQueue(ctx context.Context, name string) error {
	i.stopLocalQueue(ctx, name)
	return i.relay.Notify(ctx, notify.ChannelSignal, notify.SignalPayload{
		Action: notify.SignalStop,
		Queue:  name,
	})
}

// PauseQueue stops claiming cluster-wide. Running jobs finish normally.
func (i *Instance) PauseQueue(ctx context.Context, name string) error {
	return i.relay.Notify(ctx, notify.ChannelSignal, notify.SignalPayload{
		Action: notify.SignalPause,
		Queue:  name,
	})
}

// ResumeQueue lifts a pause cluster-wide.
func (i *Instance) ResumeQueue(ctx context.Context, name string) error {
	return i.relay.Notify(ctx, notify.ChannelSignal, notify.SignalPayload{
		Action: notify.SignalResume,
		Queue:  name,
	})
}

// ScaleQueue changes the queue's concurrency limit cluster-wide.
func (i *Instance) ScaleQueue(ctx context.Context, name string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("queue limit must be positive, got %d", limit)
	}
	return i.relay.Notify(ctx, notify.ChannelSignal, notify.SignalPayload{
		Action: notify.SignalScale,
		Queue:  name,
		Limit:  limit,
	})
}

// CancelJob cancels the job regardless of which node runs it. The database
// transition comes first so the cancellation survives even when the pkill
// broadcast is lost; the running executor then notices via the signal.
func (i *Instance) CancelJob(ctx context.Context, id int64) (*domain.Job, error) {
	job, err := i.store.CancelJob(ctx, store.CancelParams{ID: id, Error: &domain.AttemptError{
		Attempt: 0,
		At:      time.Now().UTC(),
		Error:   "cancelled by operator",
	}})
	if err != nil {
		return nil, err
	}

	// The returned row is already cancelled, so it no longer tells us
	// whether an executor somewhere is still running the job. Broadcast the
	// kill unconditionally; producers ignore ids outside their running set.
	err = i.relay.Notify(ctx, notify.ChannelSignal, notify.SignalPayload{
		Action: notify.SignalPkill,
		JobID:  id,
	})
	if err != nil {
		return job, fmt.Errorf("job cancelled but kill broadcast failed: %w", err)
	}
	return job, nil
}

// RetryJob makes the job immediately available again.
func (i *Instance) RetryJob(ctx context.Context, id int64) error {
	if err := i.store.RetryJob(ctx, id); err != nil {
		return err
	}

	job, err := i.store.FindJobByID(ctx, id)
	if err != nil {
		return err
	}
	i.notifyInserted(ctx, []string{job.Queue})
	return nil
}
