package instance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rezkam/backlog/internal/config"
	"github.com/rezkam/backlog/internal/domain"
	"github.com/rezkam/backlog/internal/notify"
	"github.com/rezkam/backlog/internal/store"
	"github.com/rezkam/backlog/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory store.Store good enough to run a whole
// instance against: inserts assign ids, claims respect queue and order, and
// transitions mutate job state the way the real backends do.
type memoryStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*domain.Job
	peers  map[string]domain.PeerInfo
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs:  make(map[int64]*domain.Job),
		peers: make(map[string]domain.PeerInfo),
	}
}

func (s *memoryStore) InsertJob(ctx context.Context, params store.InsertParams) (*domain.Job, error) {
	jobs, err := s.InsertJobs(ctx, []store.InsertParams{params})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

func (s *memoryStore) InsertJobs(_ context.Context, params []store.InsertParams) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	out := make([]*domain.Job, 0, len(params))
	for _, p := range params {
		s.nextID++
		job := &domain.Job{
			ID:          s.nextID,
			Queue:       p.Queue,
			Worker:      p.Worker,
			Args:        p.Args,
			State:       domain.JobStateAvailable,
			MaxAttempts: p.MaxAttempts,
			Priority:    p.Priority,
			InsertedAt:  now,
		}
		if job.Queue == "" {
			job.Queue = "default"
		}
		if job.MaxAttempts == 0 {
			job.MaxAttempts = 20
		}
		if p.ScheduledAt.After(now) {
			job.State = domain.JobStateScheduled
			job.ScheduledAt = p.ScheduledAt
		} else {
			job.ScheduledAt = now
		}
		s.jobs[job.ID] = job
		out = append(out, job)
	}
	return out, nil
}

func (s *memoryStore) FindJobByID(_ context.Context, id int64) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *memoryStore) ClaimJobs(_ context.Context, params store.ClaimParams) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*domain.Job
	for _, job := range s.jobs {
		if len(claimed) >= params.Limit {
			break
		}
		if job.Queue != params.Queue || job.State != domain.JobStateAvailable {
			continue
		}
		job.State = domain.JobStateExecuting
		job.Attempt++
		job.AttemptedBy = append(job.AttemptedBy, params.AttemptedBy)
		now := time.Now().UTC()
		job.AttemptedAt = &now
		clone := *job
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

func (s *memoryStore) StageJobs(_ context.Context, limit int) ([]store.StagedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var staged []store.StagedJob
	for _, job := range s.jobs {
		if len(staged) >= limit {
			break
		}
		due := !job.ScheduledAt.After(now)
		if (job.State == domain.JobStateScheduled || job.State == domain.JobStateRetryable) && due {
			job.State = domain.JobStateAvailable
			staged = append(staged, store.StagedJob{ID: job.ID, Queue: job.Queue, State: job.State, Worker: job.Worker})
		}
	}
	return staged, nil
}

func (s *memoryStore) CompleteJob(_ context.Context, id int64) error {
	return s.transition(id, domain.JobStateExecuting, func(job *domain.Job) {
		job.State = domain.JobStateCompleted
		now := time.Now().UTC()
		job.CompletedAt = &now
	})
}

func (s *memoryStore) ErrorJob(_ context.Context, params store.ErrorParams) error {
	return s.transition(params.ID, domain.JobStateExecuting, func(job *domain.Job) {
		job.Errors = append(job.Errors, params.Error)
		if job.Attempt >= job.MaxAttempts {
			job.State = domain.JobStateDiscarded
			now := time.Now().UTC()
			job.DiscardedAt = &now
			return
		}
		job.State = domain.JobStateRetryable
		job.ScheduledAt = params.RetryAt
	})
}

func (s *memoryStore) DiscardJob(_ context.Context, params store.ErrorParams) error {
	return s.transition(params.ID, domain.JobStateExecuting, func(job *domain.Job) {
		job.Errors = append(job.Errors, params.Error)
		job.State = domain.JobStateDiscarded
		now := time.Now().UTC()
		job.DiscardedAt = &now
	})
}

func (s *memoryStore) SnoozeJob(_ context.Context, params store.SnoozeParams) error {
	return s.transition(params.ID, domain.JobStateExecuting, func(job *domain.Job) {
		job.State = domain.JobStateScheduled
		job.ScheduledAt = params.ScheduledAt
		job.MaxAttempts++
	})
}

func (s *memoryStore) transition(id int64, from domain.JobState, apply func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != from {
		return nil
	}
	apply(job)
	return nil
}

func (s *memoryStore) CancelJob(_ context.Context, params store.CancelParams) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[params.ID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.State == domain.JobStateCancelled {
		clone := *job
		return &clone, nil
	}
	if job.State.Terminal() {
		return nil, domain.ErrJobNotCancellable
	}

	job.State = domain.JobStateCancelled
	now := time.Now().UTC()
	job.CancelledAt = &now
	if params.Error != nil {
		job.Errors = append(job.Errors, *params.Error)
	}
	clone := *job
	return &clone, nil
}

func (s *memoryStore) RetryJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State == domain.JobStateExecuting || job.State == domain.JobStateAvailable {
		return nil
	}
	if job.Attempt >= job.MaxAttempts {
		job.MaxAttempts = job.Attempt + 1
	}
	job.State = domain.JobStateAvailable
	return nil
}

func (s *memoryStore) RescueStuckJobs(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	horizon := time.Now().UTC().Add(-olderThan)
	var rescued int64
	for _, job := range s.jobs {
		if job.State == domain.JobStateExecuting && job.AttemptedAt != nil && job.AttemptedAt.Before(horizon) {
			job.State = domain.JobStateAvailable
			rescued++
		}
	}
	return rescued, nil
}

func (s *memoryStore) ElectLeader(_ context.Context, name, node string, ttl time.Duration) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	row, exists := s.peers[name]
	if exists && row.Expired(now) {
		delete(s.peers, name)
		exists = false
	}
	if !exists || row.Node == node {
		s.peers[name] = domain.PeerInfo{Name: name, Node: node, StartedAt: now, ExpiresAt: now.Add(ttl)}
		return true, node, nil
	}
	return false, row.Node, nil
}

func (s *memoryStore) FindLeaderNode(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.peers[name]
	if !ok || row.Expired(time.Now()) {
		return "", nil
	}
	return row.Node, nil
}

func (s *memoryStore) DeleteLeader(_ context.Context, name, node string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.peers[name]; ok && row.Node == node {
		delete(s.peers, name)
	}
	return nil
}

func (s *memoryStore) Close() {}

func (s *memoryStore) jobState(id int64) domain.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		return job.State
	}
	return ""
}

func testConfig(queues ...config.Queue) *config.Instance {
	return &config.Instance{
		Name:                "backlog",
		Node:                "node-test",
		Prefix:              "backlog",
		StageInterval:       20 * time.Millisecond,
		StageLimit:          100,
		LeaderInterval:      time.Hour,
		SonarInterval:       time.Hour,
		SonarStaleMult:      2,
		DispatchCooldown:    time.Millisecond,
		ShutdownGracePeriod: time.Second,
		Queues:              queues,
	}
}

func startInstance(t *testing.T, cfg *config.Instance, st store.Store, workers *worker.Registry) *Instance {
	t.Helper()
	inst := New(cfg, st, notify.NewLocalBackend(), workers)
	require.NoError(t, inst.Start(context.Background()))
	t.Cleanup(func() { inst.Stop(context.Background()) })
	return inst
}

type recordingWorker struct {
	mu   sync.Mutex
	seen []int64
	fn   func(ctx context.Context, job *domain.Job) error
}

func (w *recordingWorker) Perform(ctx context.Context, job *domain.Job) error {
	w.mu.Lock()
	w.seen = append(w.seen, job.ID)
	w.mu.Unlock()
	if w.fn != nil {
		return w.fn(ctx, job)
	}
	return nil
}

func (w *recordingWorker) performed() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int64(nil), w.seen...)
}

func TestInstance_InsertRunsJobEndToEnd(t *testing.T) {
	st := newMemoryStore()
	rec := &recordingWorker{}
	workers := worker.NewRegistry()
	require.NoError(t, workers.Register("echo", func() worker.Worker { return rec }))

	inst := startInstance(t, testConfig(config.Queue{Name: "default", Limit: 5}), st, workers)

	job, err := inst.Insert(context.Background(), store.InsertParams{Queue: "default", Worker: "echo"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateAvailable, job.State)

	require.Eventually(t, func() bool {
		return st.jobState(job.ID) == domain.JobStateCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{job.ID}, rec.performed())
}

func TestInstance_ScheduledJobRunsAfterStaging(t *testing.T) {
	st := newMemoryStore()
	rec := &recordingWorker{}
	workers := worker.NewRegistry()
	require.NoError(t, workers.Register("echo", func() worker.Worker { return rec }))

	inst := startInstance(t, testConfig(config.Queue{Name: "default", Limit: 5}), st, workers)

	job, err := inst.Insert(context.Background(), store.InsertParams{
		Queue:       "default",
		Worker:      "echo",
		ScheduledAt: time.Now().Add(50 * time.Millisecond),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateScheduled, job.State)

	require.Eventually(t, func() bool {
		return st.jobState(job.ID) == domain.JobStateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInstance_StartAndStopQueueAtRuntime(t *testing.T) {
	st := newMemoryStore()
	rec := &recordingWorker{}
	workers := worker.NewRegistry()
	require.NoError(t, workers.Register("echo", func() worker.Worker { return rec }))

	inst := startInstance(t, testConfig(), st, workers)

	job, err := inst.Insert(context.Background(), store.InsertParams{Queue: "late", Worker: "echo"})
	require.NoError(t, err)

	// No producer for the queue yet; the job just sits there.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.JobStateAvailable, st.jobState(job.ID))

	require.NoError(t, inst.StartQueue(context.Background(), config.Queue{Name: "late", Limit: 2}))
	require.Eventually(t, func() bool {
		return st.jobState(job.ID) == domain.JobStateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, inst.StopQueue(context.Background(), "late"))
	job2, err := inst.Insert(context.Background(), store.InsertParams{Queue: "late", Worker: "echo"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		replies, err := inst.CheckQueues(context.Background(), "late", 50*time.Millisecond)
		return err == nil && len(replies) == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, domain.JobStateAvailable, st.jobState(job2.ID))
}

func TestInstance_CancelExecutingJob(t *testing.T) {
	started := make(chan struct{})
	st := newMemoryStore()
	rec := &recordingWorker{fn: func(ctx context.Context, _ *domain.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	workers := worker.NewRegistry()
	require.NoError(t, workers.Register("forever", func() worker.Worker { return rec }))

	inst := startInstance(t, testConfig(config.Queue{Name: "default", Limit: 1}), st, workers)

	job, err := inst.Insert(context.Background(), store.InsertParams{Queue: "default", Worker: "forever"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started executing")
	}

	cancelled, err := inst.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, cancelled.State)
	assert.Equal(t, domain.JobStateCancelled, st.jobState(job.ID))
}

func TestInstance_CancelUnknownJob(t *testing.T) {
	st := newMemoryStore()
	inst := startInstance(t, testConfig(), st, worker.NewRegistry())

	_, err := inst.CancelJob(context.Background(), 12345)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestInstance_RetryDiscardedJob(t *testing.T) {
	st := newMemoryStore()
	rec := &recordingWorker{}
	workers := worker.NewRegistry()
	require.NoError(t, workers.Register("echo", func() worker.Worker { return rec }))

	inst := startInstance(t, testConfig(config.Queue{Name: "default", Limit: 5}), st, workers)

	job, err := inst.Insert(context.Background(), store.InsertParams{Queue: "default", Worker: "echo"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return st.jobState(job.ID) == domain.JobStateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	// Force it back through the pipeline.
	require.NoError(t, inst.RetryJob(context.Background(), job.ID))
	require.Eventually(t, func() bool {
		return len(rec.performed()) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInstance_CheckQueuesReportsLocalState(t *testing.T) {
	st := newMemoryStore()
	inst := startInstance(t, testConfig(
		config.Queue{Name: "default", Limit: 5},
		config.Queue{Name: "mailers", Limit: 3, Paused: true},
	), st, worker.NewRegistry())

	replies, err := inst.CheckQueues(context.Background(), "", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, replies, 2)

	byQueue := map[string]notify.CheckReplyPayload{}
	for _, reply := range replies {
		byQueue[reply.Queue] = reply
	}
	assert.Equal(t, 5, byQueue["default"].Limit)
	assert.False(t, byQueue["default"].Paused)
	assert.Equal(t, 3, byQueue["mailers"].Limit)
	assert.True(t, byQueue["mailers"].Paused)
	assert.Equal(t, "node-test", byQueue["default"].Node)
}

func TestInstance_PauseQueueStopsClaims(t *testing.T) {
	st := newMemoryStore()
	rec := &recordingWorker{}
	workers := worker.NewRegistry()
	require.NoError(t, workers.Register("echo", func() worker.Worker { return rec }))

	inst := startInstance(t, testConfig(config.Queue{Name: "default", Limit: 5}), st, workers)

	require.NoError(t, inst.PauseQueue(context.Background(), "default"))
	require.Eventually(t, func() bool {
		replies, err := inst.CheckQueues(context.Background(), "default", 50*time.Millisecond)
		return err == nil && len(replies) == 1 && replies[0].Paused
	}, 2*time.Second, 20*time.Millisecond)

	job, err := inst.Insert(context.Background(), store.InsertParams{Queue: "default", Worker: "echo"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.JobStateAvailable, st.jobState(job.ID))

	require.NoError(t, inst.ResumeQueue(context.Background(), "default"))
	require.Eventually(t, func() bool {
		return st.jobState(job.ID) == domain.JobStateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}
