// Package producer owns per-queue job execution on one node. A producer is a
// single goroutine actor: it claims available jobs up to its concurrency
// limit, spawns one executor per claimed job, and reacts to control signals.
// It is the only component allowed to claim jobs for its queue on this node.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rezkam/backlog/internal/domain"
	"github.com/rezkam/backlog/internal/notify"
	"github.com/rezkam/backlog/internal/store"
	"github.com/rezkam/backlog/internal/worker"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/rezkam/backlog/internal/producer")

// Config configures one producer.
type Config struct {
	// Instance and Node identify this process; Node lands in attempted_by.
	Instance string
	Node     string

	Queue string

	// Limit bounds the running set.
	Limit int

	// Paused starts the producer without claiming.
	Paused bool

	// DispatchCooldown is the minimum spacing between claims. Dispatches
	// arriving inside the window collapse into one deferred attempt.
	DispatchCooldown time.Duration

	// BreakerCooldown is how long claims stay suppressed after a transient
	// storage error.
	BreakerCooldown time.Duration
}

// CheckInfo is a point-in-time snapshot of producer state.
type CheckInfo struct {
	Queue     string
	Limit     int
	Paused    bool
	Node      string
	Running   []int64
	StartedAt time.Time
}

// Events processed by the actor loop.
type (
	dispatchEvent     struct{}
	signalEvent       struct{ sig notify.SignalPayload }
	taskDoneEvent     struct{ jobID int64 }
	breakerResetEvent struct{}
	checkEvent        struct{ reply chan CheckInfo }
)

type instruments struct {
	claimed   metric.Int64Counter
	completed metric.Int64Counter
	errored   metric.Int64Counter
	discarded metric.Int64Counter
	cancelled metric.Int64Counter
	snoozed   metric.Int64Counter
}

func newInstruments() *instruments {
	inst := &instruments{}
	for _, c := range []struct {
		counter *metric.Int64Counter
		name    string
		desc    string
	}{
		{&inst.claimed, "backlog.producer.jobs_claimed", "Jobs atomically claimed by this producer"},
		{&inst.completed, "backlog.producer.jobs_completed", "Jobs finished successfully"},
		{&inst.errored, "backlog.producer.jobs_errored", "Jobs that failed and became retryable"},
		{&inst.discarded, "backlog.producer.jobs_discarded", "Jobs that exhausted their attempts or were unrecoverable"},
		{&inst.cancelled, "backlog.producer.jobs_cancelled", "Jobs cancelled during execution"},
		{&inst.snoozed, "backlog.producer.jobs_snoozed", "Jobs rescheduled by their own worker"},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			slog.Warn("failed to create producer counter", "name", c.name, "error", err)
			continue
		}
		*c.counter = counter
	}
	return inst
}

// Producer is the per-queue claiming actor.
type Producer struct {
	store   store.JobStore
	relay   *notify.Relay
	workers *worker.Registry
	cfg     Config

	events chan any

	// Loop-owned state. Only the run goroutine touches these.
	running      map[int64]*executor
	limit        int
	paused       bool
	lastDispatch time.Time
	cooldown     *time.Timer
	armed        bool
	breaker      *circuitBreaker
	schemaWarned bool

	// active mirrors len(running) for lock-free reads by the watchman.
	active atomic.Int64

	inst      *instruments
	queueAttr metric.AddOption

	startedAt  time.Time
	cancelSubs []func()

	// abandon releases executors that outlived the shutdown grace period;
	// their jobs stay executing for a later rescue.
	abandon chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	execWG  sync.WaitGroup
}

// New creates a producer for cfg.Queue.
func New(st store.JobStore, relay *notify.Relay, workers *worker.Registry, cfg Config) *Producer {
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 5 * time.Second
	}
	return &Producer{
		store:     st,
		relay:     relay,
		workers:   workers,
		cfg:       cfg,
		events:    make(chan any, 128),
		running:   make(map[int64]*executor),
		limit:     cfg.Limit,
		paused:    cfg.Paused,
		breaker:   newCircuitBreaker(),
		inst:      newInstruments(),
		queueAttr: metric.WithAttributes(attribute.String("queue", cfg.Queue)),
		abandon:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start subscribes to notifications and begins the actor loop with an
// immediate dispatch.
func (p *Producer) Start(ctx context.Context) error {
	p.startedAt = time.Now().UTC()

	cancelInsert, err := p.relay.Subscribe(ctx, []string{notify.ChannelInsert}, p.onInsert)
	if err != nil {
		return err
	}
	p.cancelSubs = append(p.cancelSubs, cancelInsert)

	cancelSignal, err := p.relay.Subscribe(ctx, []string{notify.ChannelSignal}, p.onSignal)
	if err != nil {
		return err
	}
	p.cancelSubs = append(p.cancelSubs, cancelSignal)

	// Stager pings double as a dispatch pulse for when insert notifications
	// are not propagating.
	cancelStager, err := p.relay.Subscribe(ctx, []string{notify.ChannelStager}, func(notify.Message) {
		p.enqueue(dispatchEvent{})
	})
	if err != nil {
		return err
	}
	p.cancelSubs = append(p.cancelSubs, cancelStager)

	p.wg.Add(1)
	go p.run(ctx)

	p.enqueue(dispatchEvent{})
	return nil
}

// Stop ends the actor loop and abandons any executors still running. Call
// Watchman.Shutdown first for a graceful drain.
func (p *Producer) Stop() {
	for _, cancel := range p.cancelSubs {
		cancel()
	}
	close(p.done)
	p.wg.Wait()
	close(p.abandon)
	p.execWG.Wait()
}

// Pause stops future claims. Running jobs continue.
func (p *Producer) Pause() {
	p.enqueue(signalEvent{sig: notify.SignalPayload{Action: notify.SignalPause, Queue: p.cfg.Queue}})
}

// Resume lifts a pause and dispatches.
func (p *Producer) Resume() {
	p.enqueue(signalEvent{sig: notify.SignalPayload{Action: notify.SignalResume, Queue: p.cfg.Queue}})
}

// Dispatch asks the actor to attempt a claim. Used by the stager's local
// mode as the notification-free path.
func (p *Producer) Dispatch() {
	p.enqueue(dispatchEvent{})
}

// ActiveCount returns the size of the running set.
func (p *Producer) ActiveCount() int64 {
	return p.active.Load()
}

// Check returns a snapshot of the producer state, or a zero value if the
// actor is not responding.
func (p *Producer) Check() CheckInfo {
	reply := make(chan CheckInfo, 1)
	select {
	case p.events <- checkEvent{reply: reply}:
	case <-p.done:
		return CheckInfo{Queue: p.cfg.Queue, Node: p.cfg.Node}
	}

	select {
	case info := <-reply:
		return info
	case <-time.After(time.Second):
		return CheckInfo{Queue: p.cfg.Queue, Node: p.cfg.Node}
	}
}

// enqueue delivers an event unless the actor has stopped.
func (p *Producer) enqueue(ev any) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

func (p *Producer) onInsert(msg notify.Message) {
	var payload []notify.InsertPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	for _, entry := range payload {
		if entry.Queue == p.cfg.Queue {
			p.enqueue(dispatchEvent{})
			return
		}
	}
}

func (p *Producer) onSignal(msg notify.Message) {
	var sig notify.SignalPayload
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		return
	}

	switch sig.Action {
	case notify.SignalPause, notify.SignalResume, notify.SignalScale:
		if sig.Queue != "" && sig.Queue != p.cfg.Queue {
			return
		}
	case notify.SignalPkill:
		// Targeted by job id; every producer checks its own running set.
	default:
		return
	}
	p.enqueue(signalEvent{sig: sig})
}

func (p *Producer) run(ctx context.Context) {
	defer p.wg.Done()

	// The cooldown timer starts disarmed; dispatch re-arms it as needed.
	p.cooldown = time.NewTimer(time.Hour)
	if !p.cooldown.Stop() {
		<-p.cooldown.C
	}

	// Shutdown is driven by done alone: the start context gets cancelled
	// before the graceful drain, and the loop must keep processing
	// taskDoneEvents for the watchman until then.
	for {
		select {
		case ev := <-p.events:
			p.handle(ctx, ev)
		case <-p.cooldown.C:
			p.armed = false
			p.dispatch(ctx)
		case <-p.done:
			return
		}
	}
}

func (p *Producer) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case dispatchEvent:
		p.dispatch(ctx)

	case breakerResetEvent:
		p.breaker.reset()
		p.dispatch(ctx)

	case taskDoneEvent:
		delete(p.running, ev.jobID)
		p.active.Store(int64(len(p.running)))
		p.dispatch(ctx)

	case checkEvent:
		ids := lo.Keys(p.running)
		slices.Sort(ids)
		ev.reply <- CheckInfo{
			Queue:     p.cfg.Queue,
			Limit:     p.limit,
			Paused:    p.paused,
			Node:      p.cfg.Node,
			Running:   ids,
			StartedAt: p.startedAt,
		}

	case signalEvent:
		p.handleSignal(ctx, ev.sig)
	}
}

func (p *Producer) handleSignal(ctx context.Context, sig notify.SignalPayload) {
	switch sig.Action {
	case notify.SignalPause:
		if !p.paused {
			slog.InfoContext(ctx, "queue paused", "queue", p.cfg.Queue)
		}
		p.paused = true

	case notify.SignalResume:
		if p.paused {
			slog.InfoContext(ctx, "queue resumed", "queue", p.cfg.Queue)
		}
		p.paused = false
		p.dispatch(ctx)

	case notify.SignalScale:
		if sig.Limit <= 0 {
			return
		}
		slog.InfoContext(ctx, "queue scaled", "queue", p.cfg.Queue, "limit", sig.Limit)
		p.limit = sig.Limit
		p.dispatch(ctx)

	case notify.SignalPkill:
		exec, ok := p.running[sig.JobID]
		if !ok {
			return
		}
		slog.InfoContext(ctx, "killing job", "queue", p.cfg.Queue, "job_id", sig.JobID)
		exec.kill()
	}
}

// dispatch performs one claim attempt, honoring pause, the concurrency
// limit, the cooldown window and the circuit breaker.
func (p *Producer) dispatch(ctx context.Context) {
	if p.paused || p.breaker.isOpen() {
		return
	}

	demand := p.limit - len(p.running)
	if demand <= 0 {
		return
	}

	if since := time.Since(p.lastDispatch); since < p.cfg.DispatchCooldown {
		if !p.armed {
			p.armed = true
			p.cooldown.Reset(p.cfg.DispatchCooldown - since)
		}
		return
	}
	p.lastDispatch = time.Now()

	jobs, err := p.store.ClaimJobs(ctx, store.ClaimParams{
		Queue:       p.cfg.Queue,
		Limit:       demand,
		AttemptedBy: p.cfg.Node,
	})
	if err != nil {
		p.handleClaimError(ctx, err)
		return
	}

	if len(jobs) > 0 && p.inst.claimed != nil {
		p.inst.claimed.Add(ctx, int64(len(jobs)), p.queueAttr)
	}

	for _, job := range jobs {
		p.startExecutor(ctx, job)
	}
}

// handleClaimError absorbs storage failures: a transient error trips the
// circuit breaker instead of crashing the actor, which keeps serving
// signals while claims are suppressed.
func (p *Producer) handleClaimError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingSchema):
		if !p.schemaWarned {
			p.schemaWarned = true
			slog.ErrorContext(ctx, "jobs table is missing, claims disabled until migration", "queue", p.cfg.Queue, "error", err)
		}

	case domain.IsTransient(err):
		slog.WarnContext(ctx, "claim hit transient storage error, tripping circuit",
			"queue", p.cfg.Queue, "cooldown", p.cfg.BreakerCooldown, "error", err)
		p.breaker.trip()
		time.AfterFunc(p.cfg.BreakerCooldown, func() {
			p.enqueue(breakerResetEvent{})
		})

	default:
		slog.ErrorContext(ctx, "claim failed", "queue", p.cfg.Queue, "error", err)
	}
}

func (p *Producer) startExecutor(ctx context.Context, job *domain.Job) {
	exec := newExecutor(p.store, p.workers, job, p.inst, p.queueAttr, p.abandon)
	p.running[job.ID] = exec
	p.active.Store(int64(len(p.running)))

	p.execWG.Add(1)
	go func() {
		defer p.execWG.Done()
		exec.run(ctx)
		p.enqueue(taskDoneEvent{jobID: job.ID})
	}()
}
