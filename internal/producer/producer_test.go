package producer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rezkam/backlog/internal/domain"
	"github.com/rezkam/backlog/internal/notify"
	"github.com/rezkam/backlog/internal/store"
	"github.com/rezkam/backlog/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

// memStore is an in-memory store.JobStore covering the surface producers
// exercise: claims plus the finalization writes.
type memStore struct {
	mu        sync.Mutex
	available []*domain.Job
	claimErr  error
	claims    int

	completed []int64
	errored   map[int64]store.ErrorParams
	discarded map[int64]store.ErrorParams
	snoozed   map[int64]store.SnoozeParams
	cancelled map[int64]store.CancelParams
}

func newMemStore(jobs ...*domain.Job) *memStore {
	return &memStore{
		available: jobs,
		errored:   make(map[int64]store.ErrorParams),
		discarded: make(map[int64]store.ErrorParams),
		snoozed:   make(map[int64]store.SnoozeParams),
		cancelled: make(map[int64]store.CancelParams),
	}
}

func (s *memStore) InsertJob(context.Context, store.InsertParams) (*domain.Job, error) {
	return nil, errors.New("not implemented")
}

func (s *memStore) InsertJobs(context.Context, []store.InsertParams) ([]*domain.Job, error) {
	return nil, errors.New("not implemented")
}

func (s *memStore) FindJobByID(context.Context, int64) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}

func (s *memStore) ClaimJobs(_ context.Context, params store.ClaimParams) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++

	if s.claimErr != nil {
		return nil, s.claimErr
	}

	n := min(params.Limit, len(s.available))
	claimed := s.available[:n]
	s.available = s.available[n:]
	for _, job := range claimed {
		job.State = domain.JobStateExecuting
		job.Attempt++
		job.AttemptedBy = append(job.AttemptedBy, params.AttemptedBy)
	}
	return claimed, nil
}

func (s *memStore) StageJobs(context.Context, int) ([]store.StagedJob, error) { return nil, nil }

func (s *memStore) CompleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *memStore) ErrorJob(_ context.Context, params store.ErrorParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errored[params.ID] = params
	return nil
}

func (s *memStore) DiscardJob(_ context.Context, params store.ErrorParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded[params.ID] = params
	return nil
}

func (s *memStore) SnoozeJob(_ context.Context, params store.SnoozeParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snoozed[params.ID] = params
	return nil
}

func (s *memStore) CancelJob(_ context.Context, params store.CancelParams) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[params.ID] = params
	return &domain.Job{ID: params.ID, State: domain.JobStateCancelled}, nil
}

func (s *memStore) RetryJob(context.Context, int64) error { return nil }

func (s *memStore) RescueStuckJobs(context.Context, time.Duration) (int64, error) { return 0, nil }

func (s *memStore) completedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.completed...)
}

func (s *memStore) erroredParams(id int64) (store.ErrorParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.errored[id]
	return p, ok
}

func (s *memStore) claimCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

func (s *memStore) push(jobs ...*domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = append(s.available, jobs...)
}

type funcWorker struct {
	fn func(ctx context.Context, job *domain.Job) error
}

func (w funcWorker) Perform(ctx context.Context, job *domain.Job) error { return w.fn(ctx, job) }

type timeoutWorker struct {
	funcWorker
	timeout time.Duration
}

func (w timeoutWorker) Timeout(*domain.Job) time.Duration { return w.timeout }

func job(id int64, workerName string) *domain.Job {
	return &domain.Job{
		ID:          id,
		Queue:       "default",
		Worker:      workerName,
		State:       domain.JobStateAvailable,
		MaxAttempts: 20,
	}
}

func testRegistry(t *testing.T, workers map[string]worker.Worker) *worker.Registry {
	t.Helper()
	reg := worker.NewRegistry()
	for name, w := range workers {
		require.NoError(t, reg.Register(name, func() worker.Worker { return w }))
	}
	return reg
}

func startProducer(t *testing.T, st store.JobStore, reg *worker.Registry, cfg Config) (*Producer, *notify.Relay) {
	t.Helper()
	relay := notify.NewRelay(notify.NewLocalBackend(), "backlog.test")
	require.NoError(t, relay.Start(context.Background()))

	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.Node == "" {
		cfg.Node = "node-1"
	}
	if cfg.Limit == 0 {
		cfg.Limit = 5
	}

	p := New(st, relay, reg, cfg)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p, relay
}

func TestProducer_ClaimsAndCompletes(t *testing.T) {
	st := newMemStore(job(1, "ok"), job(2, "ok"))
	reg := testRegistry(t, map[string]worker.Worker{
		"ok": funcWorker{fn: func(context.Context, *domain.Job) error { return nil }},
	})

	startProducer(t, st, reg, Config{})

	require.Eventually(t, func() bool {
		return len(st.completedIDs()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []int64{1, 2}, st.completedIDs())
}

func TestProducer_HonorsLimit(t *testing.T) {
	release := make(chan struct{})
	st := newMemStore(job(1, "slow"), job(2, "slow"), job(3, "slow"))
	reg := testRegistry(t, map[string]worker.Worker{
		"slow": funcWorker{fn: func(ctx context.Context, _ *domain.Job) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	})

	p, _ := startProducer(t, st, reg, Config{Limit: 2})

	require.Eventually(t, func() bool { return p.ActiveCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, st.completedIDs(), 0)

	close(release)
	require.Eventually(t, func() bool {
		return len(st.completedIDs()) == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProducer_FailureBecomesRetryable(t *testing.T) {
	st := newMemStore(job(7, "boom"))
	reg := testRegistry(t, map[string]worker.Worker{
		"boom": funcWorker{fn: func(context.Context, *domain.Job) error {
			return errors.New("upstream unavailable")
		}},
	})

	startProducer(t, st, reg, Config{})

	require.Eventually(t, func() bool {
		_, ok := st.erroredParams(7)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	params, _ := st.erroredParams(7)
	assert.Equal(t, "upstream unavailable", params.Error.Error)
	assert.Equal(t, 1, params.Error.Attempt)
	// Default backoff for attempt 1 lands around 17s out.
	assert.Greater(t, time.Until(params.RetryAt), 10*time.Second)
}

func TestProducer_PanicIsContained(t *testing.T) {
	st := newMemStore(job(8, "panicky"), job(9, "ok"))
	reg := testRegistry(t, map[string]worker.Worker{
		"panicky": funcWorker{fn: func(context.Context, *domain.Job) error { panic("kaboom") }},
		"ok":      funcWorker{fn: func(context.Context, *domain.Job) error { return nil }},
	})

	startProducer(t, st, reg, Config{})

	require.Eventually(t, func() bool {
		_, ok := st.erroredParams(8)
		return ok && len(st.completedIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	params, _ := st.erroredParams(8)
	assert.Contains(t, params.Error.Error, "panic: kaboom")
	assert.Contains(t, params.Error.Error, "goroutine", "stack trace should be recorded")
}

func TestProducer_SnoozeReschedules(t *testing.T) {
	st := newMemStore(job(4, "sleepy"))
	reg := testRegistry(t, map[string]worker.Worker{
		"sleepy": funcWorker{fn: func(context.Context, *domain.Job) error {
			return worker.Snooze(time.Minute)
		}},
	})

	startProducer(t, st, reg, Config{})

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		_, ok := st.snoozed[4]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	st.mu.Lock()
	params := st.snoozed[4]
	st.mu.Unlock()
	assert.WithinDuration(t, time.Now().Add(time.Minute), params.ScheduledAt, 5*time.Second)
}

func TestProducer_WorkerCancelIsPermanent(t *testing.T) {
	st := newMemStore(job(5, "moot"))
	reg := testRegistry(t, map[string]worker.Worker{
		"moot": funcWorker{fn: func(context.Context, *domain.Job) error {
			return worker.Cancel("record deleted")
		}},
	})

	startProducer(t, st, reg, Config{})

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		_, ok := st.cancelled[5]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	st.mu.Lock()
	params := st.cancelled[5]
	st.mu.Unlock()
	require.NotNil(t, params.Error)
	assert.Contains(t, params.Error.Error, "record deleted")
}

func TestProducer_UnknownWorkerDiscards(t *testing.T) {
	st := newMemStore(job(6, "nobody-registered-this"))
	reg := testRegistry(t, nil)

	startProducer(t, st, reg, Config{})

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		_, ok := st.discarded[6]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	st.mu.Lock()
	params := st.discarded[6]
	st.mu.Unlock()
	assert.Contains(t, params.Error.Error, "nobody-registered-this")
}

func TestProducer_TimeoutTerminatesFromOutside(t *testing.T) {
	st := newMemStore(job(10, "stuck"))
	reg := testRegistry(t, map[string]worker.Worker{
		"stuck": timeoutWorker{
			timeout: 20 * time.Millisecond,
			funcWorker: funcWorker{fn: func(ctx context.Context, _ *domain.Job) error {
				<-ctx.Done()
				return ctx.Err()
			}},
		},
	})

	startProducer(t, st, reg, Config{})

	require.Eventually(t, func() bool {
		_, ok := st.erroredParams(10)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	params, _ := st.erroredParams(10)
	assert.Contains(t, params.Error.Error, "timeout")
}

func TestProducer_PauseAndResume(t *testing.T) {
	st := newMemStore()
	reg := testRegistry(t, map[string]worker.Worker{
		"ok": funcWorker{fn: func(context.Context, *domain.Job) error { return nil }},
	})

	p, _ := startProducer(t, st, reg, Config{})

	p.Pause()
	require.Eventually(t, func() bool { return p.Check().Paused }, 2*time.Second, 5*time.Millisecond)

	st.push(job(1, "ok"))
	claims := st.claimCount()
	p.Dispatch()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, claims, st.claimCount(), "paused producer must not claim")
	assert.Empty(t, st.completedIDs())

	p.Resume()
	require.Eventually(t, func() bool {
		return len(st.completedIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProducer_ScaleSignalRaisesLimit(t *testing.T) {
	release := make(chan struct{})
	st := newMemStore(job(1, "slow"), job(2, "slow"), job(3, "slow"))
	reg := testRegistry(t, map[string]worker.Worker{
		"slow": funcWorker{fn: func(ctx context.Context, _ *domain.Job) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	})

	p, relay := startProducer(t, st, reg, Config{Limit: 1})
	defer close(release)

	require.Eventually(t, func() bool { return p.ActiveCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	err := relay.Notify(context.Background(), notify.ChannelSignal,
		notify.SignalPayload{Action: notify.SignalScale, Queue: "default", Limit: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.ActiveCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, p.Check().Limit)
}

func TestProducer_PkillCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	st := newMemStore(job(42, "forever"))
	reg := testRegistry(t, map[string]worker.Worker{
		"forever": funcWorker{fn: func(ctx context.Context, _ *domain.Job) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}},
	})

	_, relay := startProducer(t, st, reg, Config{})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	err := relay.Notify(context.Background(), notify.ChannelSignal,
		notify.SignalPayload{Action: notify.SignalPkill, JobID: 42})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		_, ok := st.cancelled[42]
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExecutor_KillIsIdempotent(t *testing.T) {
	e := newExecutor(newMemStore(), testRegistry(t, nil), job(1, "x"),
		newInstruments(), metric.WithAttributes(), nil)

	require.NotPanics(t, func() {
		e.kill()
		e.kill()
	})
}

func TestProducer_DuplicatePkillIsHarmless(t *testing.T) {
	started := make(chan struct{})
	st := newMemStore(job(13, "forever"))
	reg := testRegistry(t, map[string]worker.Worker{
		"forever": funcWorker{fn: func(ctx context.Context, _ *domain.Job) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}},
		"ok": funcWorker{fn: func(context.Context, *domain.Job) error { return nil }},
	})

	p, relay := startProducer(t, st, reg, Config{})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	// Repeated kills for one job are routine: an operator cancel racing the
	// CLI, or re-broadcast signals, all before the completion is processed.
	for range 3 {
		require.NoError(t, relay.Notify(context.Background(), notify.ChannelSignal,
			notify.SignalPayload{Action: notify.SignalPkill, JobID: 13}))
	}

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		_, ok := st.cancelled[13]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// The actor survived and keeps processing work.
	st.push(job(14, "ok"))
	p.Dispatch()
	require.Eventually(t, func() bool {
		return len(st.completedIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProducer_FinalizesAfterStartContextCancelled(t *testing.T) {
	release := make(chan struct{})
	st := newMemStore(job(7, "slow"))
	reg := testRegistry(t, map[string]worker.Worker{
		"slow": funcWorker{fn: func(context.Context, *domain.Job) error {
			<-release
			return nil
		}},
	})

	relay := notify.NewRelay(notify.NewLocalBackend(), "backlog.test")
	require.NoError(t, relay.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	p := New(st, relay, reg, Config{Queue: "default", Node: "node-1", Limit: 5})
	require.NoError(t, p.Start(ctx))
	t.Cleanup(p.Stop)

	require.Eventually(t, func() bool { return p.ActiveCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The root context gets cancelled on SIGINT before the graceful drain
	// begins; a job finishing inside the grace period still records its
	// terminal transition and the drain observes it.
	cancel()
	close(release)

	abandoned := NewWatchman(p, 2*time.Second).Shutdown(context.Background())
	assert.Zero(t, abandoned)
	assert.Equal(t, []int64{7}, st.completedIDs())
}

func TestProducer_TransientClaimErrorTripsBreaker(t *testing.T) {
	st := newMemStore()
	st.claimErr = domain.Transient(errors.New("connection reset"))
	reg := testRegistry(t, nil)

	p, _ := startProducer(t, st, reg, Config{BreakerCooldown: 50 * time.Millisecond})

	require.Eventually(t, func() bool { return st.claimCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	tripped := st.claimCount()

	// Dispatches during the open window must not reach the store.
	p.Dispatch()
	p.Dispatch()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, tripped, st.claimCount())

	// After the cooldown the breaker closes and claiming resumes.
	st.mu.Lock()
	st.claimErr = nil
	st.available = []*domain.Job{job(1, "ok")}
	st.mu.Unlock()

	require.Eventually(t, func() bool { return st.claimCount() > tripped }, 2*time.Second, 5*time.Millisecond)
}

func TestProducer_CheckSnapshot(t *testing.T) {
	release := make(chan struct{})
	st := newMemStore(job(11, "slow"))
	reg := testRegistry(t, map[string]worker.Worker{
		"slow": funcWorker{fn: func(ctx context.Context, _ *domain.Job) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	})

	p, _ := startProducer(t, st, reg, Config{Limit: 4})
	defer close(release)

	require.Eventually(t, func() bool { return p.ActiveCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	info := p.Check()
	assert.Equal(t, "default", info.Queue)
	assert.Equal(t, 4, info.Limit)
	assert.Equal(t, "node-1", info.Node)
	assert.Equal(t, []int64{11}, info.Running)
	assert.False(t, info.Paused)
	assert.False(t, info.StartedAt.IsZero())
}

func TestWatchman_DrainsBeforeDeadline(t *testing.T) {
	release := make(chan struct{})
	st := newMemStore(job(1, "slow"))
	reg := testRegistry(t, map[string]worker.Worker{
		"slow": funcWorker{fn: func(ctx context.Context, _ *domain.Job) error {
			<-release
			return nil
		}},
	})

	p, _ := startProducer(t, st, reg, Config{})
	require.Eventually(t, func() bool { return p.ActiveCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	abandoned := NewWatchman(p, 2*time.Second).Shutdown(context.Background())
	assert.Zero(t, abandoned)
	assert.Equal(t, []int64{1}, st.completedIDs())
}

func TestWatchman_AbandonsAfterGrace(t *testing.T) {
	st := newMemStore(job(1, "hopeless"))
	reg := testRegistry(t, map[string]worker.Worker{
		// Ignores cancellation entirely; only process exit ends it.
		"hopeless": funcWorker{fn: func(context.Context, *domain.Job) error {
			time.Sleep(10 * time.Second)
			return nil
		}},
	})

	p, _ := startProducer(t, st, reg, Config{})
	require.Eventually(t, func() bool { return p.ActiveCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	abandoned := NewWatchman(p, 50*time.Millisecond).Shutdown(context.Background())
	assert.EqualValues(t, 1, abandoned)
	assert.Less(t, time.Since(start), 5*time.Second)

	// No transition was written: the row stays executing for a rescue.
	assert.Empty(t, st.completedIDs())
	st.mu.Lock()
	assert.Empty(t, st.errored)
	st.mu.Unlock()
}
