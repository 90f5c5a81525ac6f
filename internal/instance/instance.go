// Package instance assembles and supervises one named job processing tree:
// the notification relay, leader election, sonar, stager, and one producer
// plus watchman per running queue. Queues can be started and stopped at
// runtime, locally or across the cluster via signal broadcasts.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rezkam/backlog/internal/config"
	"github.com/rezkam/backlog/internal/leader"
	"github.com/rezkam/backlog/internal/notify"
	"github.com/rezkam/backlog/internal/producer"
	"github.com/rezkam/backlog/internal/registry"
	"github.com/rezkam/backlog/internal/sonar"
	"github.com/rezkam/backlog/internal/stager"
	"github.com/rezkam/backlog/internal/store"
	"github.com/rezkam/backlog/internal/worker"
)

// queueRuntime is one running queue's supervision pair.
type queueRuntime struct {
	producer *producer.Producer
	watchman *producer.Watchman
}

// Instance is the top-level supervisor.
type Instance struct {
	cfg      *config.Instance
	store    store.Store
	relay    *notify.Relay
	workers  *worker.Registry
	registry *registry.Registry

	peer   *leader.Peer
	sonar  *sonar.Sonar
	stager *stager.Stager

	mu     sync.Mutex
	queues map[string]*queueRuntime

	cancelSubs []func()
	started    bool
}

// New assembles an instance. Nothing runs until Start.
func New(cfg *config.Instance, st store.Store, backend notify.Backend, workers *worker.Registry) *Instance {
	inst := &Instance{
		cfg:      cfg,
		store:    st,
		relay:    notify.NewRelay(backend, cfg.Ident()),
		workers:  workers,
		registry: registry.New(),
		queues:   make(map[string]*queueRuntime),
	}

	inst.peer = leader.New(st, inst.relay, cfg.Name, cfg.Node, cfg.LeaderInterval)
	inst.sonar = sonar.New(inst.relay, cfg.Node, cfg.SonarInterval, cfg.SonarStaleMult)
	inst.stager = stager.New(st, inst.relay, inst.peer, inst.sonar,
		cfg.StageInterval, cfg.StageLimit, inst.nudgeProducers)

	return inst
}

// Relay exposes the notification relay, mainly for tests and embedding
// applications that publish their own channels.
func (i *Instance) Relay() *notify.Relay {
	return i.relay
}

// Start brings the supervision tree up: relay first so every component can
// subscribe, then election, sonar, stager, and finally the configured queues.
func (i *Instance) Start(ctx context.Context) error {
	if err := i.relay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notification relay: %w", err)
	}

	cancelSignal, err := i.relay.Subscribe(ctx, []string{notify.ChannelSignal}, func(msg notify.Message) {
		i.onSignal(ctx, msg)
	})
	if err != nil {
		return err
	}
	i.cancelSubs = append(i.cancelSubs, cancelSignal)

	cancelGossip, err := i.relay.Subscribe(ctx, []string{notify.ChannelGossip}, func(msg notify.Message) {
		i.onGossip(ctx, msg)
	})
	if err != nil {
		return err
	}
	i.cancelSubs = append(i.cancelSubs, cancelGossip)

	if err := i.peer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader election: %w", err)
	}
	i.registry.Register(registry.Key{Instance: i.cfg.Name, Role: registry.RolePeer}, i.peer)

	if err := i.sonar.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sonar: %w", err)
	}
	i.registry.Register(registry.Key{Instance: i.cfg.Name, Role: registry.RoleSonar}, i.sonar)

	if err := i.stager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stager: %w", err)
	}
	i.registry.Register(registry.Key{Instance: i.cfg.Name, Role: registry.RoleStager}, i.stager)

	for _, q := range i.cfg.Queues {
		if err := i.startLocalQueue(ctx, q); err != nil {
			return err
		}
	}

	i.started = true
	slog.InfoContext(ctx, "instance started",
		"name", i.cfg.Name, "node", i.cfg.Node, "queues", len(i.cfg.Queues))
	return nil
}

// Stop shuts the tree down in reverse order. Queues drain within the
// configured grace period; jobs still running afterwards stay executing.
func (i *Instance) Stop(ctx context.Context) {
	if !i.started {
		return
	}
	i.started = false

	i.stager.Stop()
	i.registry.Unregister(registry.Key{Instance: i.cfg.Name, Role: registry.RoleStager})

	i.mu.Lock()
	draining := i.queues
	i.queues = make(map[string]*queueRuntime)
	i.mu.Unlock()

	// Drain every queue concurrently so the total wait is one grace period,
	// not one per queue.
	var wg sync.WaitGroup
	for name, rt := range draining {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if abandoned := rt.watchman.Shutdown(ctx); abandoned > 0 {
				slog.WarnContext(ctx, "jobs left executing during shutdown",
					"queue", name, "count", abandoned)
			}
			rt.producer.Stop()
			i.registry.Unregister(registry.Key{Instance: i.cfg.Name, Role: registry.RoleProducer, Queue: name})
			i.registry.Unregister(registry.Key{Instance: i.cfg.Name, Role: registry.RoleWatchman, Queue: name})
		}()
	}
	wg.Wait()

	i.sonar.Stop()
	i.registry.Unregister(registry.Key{Instance: i.cfg.Name, Role: registry.RoleSonar})

	i.peer.Stop(ctx)
	i.registry.Unregister(registry.Key{Instance: i.cfg.Name, Role: registry.RolePeer})

	for _, cancel := range i.cancelSubs {
		cancel()
	}
	if err := i.relay.Stop(ctx); err != nil {
		slog.WarnContext(ctx, "failed to stop notification relay", "error", err)
	}

	slog.InfoContext(ctx, "instance stopped", "name", i.cfg.Name, "node", i.cfg.Node)
}

// nudgeProducers pokes every local producer. The stager uses this as the
// notification-free dispatch path in local mode.
func (i *Instance) nudgeProducers() {
	i.registry.Each(i.cfg.Name, registry.RoleProducer, func(_ string, handle any) {
		if p, ok := handle.(*producer.Producer); ok {
			p.Dispatch()
		}
	})
}

// startLocalQueue spins up a producer and watchman for q on this node. A
// queue that is already running is left untouched.
func (i *Instance) startLocalQueue(ctx context.Context, q config.Queue) error {
	if err := q.Validate(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, running := i.queues[q.Name]; running {
		return nil
	}

	cooldown := q.DispatchCooldown
	if cooldown <= 0 {
		cooldown = i.cfg.DispatchCooldown
	}

	p := producer.New(i.store, i.relay, i.workers, producer.Config{
		Instance:         i.cfg.Name,
		Node:             i.cfg.Node,
		Queue:            q.Name,
		Limit:            q.Limit,
		Paused:           q.Paused,
		DispatchCooldown: cooldown,
	})
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("failed to start producer for queue %q: %w", q.Name, err)
	}
	w := producer.NewWatchman(p, i.cfg.ShutdownGracePeriod)

	i.queues[q.Name] = &queueRuntime{producer: p, watchman: w}
	i.registry.Register(registry.Key{Instance: i.cfg.Name, Role: registry.RoleProducer, Queue: q.Name}, p)
	i.registry.Register(registry.Key{Instance: i.cfg.Name, Role: registry.RoleWatchman, Queue: q.Name}, w)

	slog.InfoContext(ctx, "queue started", "queue", q.Name, "limit", q.Limit, "paused", q.Paused)
	return nil
}

// stopLocalQueue drains and stops one queue on this node.
func (i *Instance) stopLocalQueue(ctx context.Context, name string) {
	i.mu.Lock()
	rt, running := i.queues[name]
	delete(i.queues, name)
	i.mu.Unlock()

	if !running {
		return
	}

	if abandoned := rt.watchman.Shutdown(ctx); abandoned > 0 {
		slog.WarnContext(ctx, "jobs left executing while stopping queue", "queue", name, "count", abandoned)
	}
	rt.producer.Stop()
	i.registry.Unregister(registry.Key{Instance: i.cfg.Name, Role: registry.RoleProducer, Queue: name})
	i.registry.Unregister(registry.Key{Instance: i.cfg.Name, Role: registry.RoleWatchman, Queue: name})
	slog.InfoContext(ctx, "queue stopped", "queue", name)
}

// onSignal handles queue lifecycle signals. Pause, resume, scale and pkill
// are handled by the producers themselves; only start and stop create or
// tear down runtimes.
func (i *Instance) onSignal(ctx context.Context, msg notify.Message) {
	var sig notify.SignalPayload
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		return
	}

	switch sig.Action {
	case notify.SignalStart:
		if sig.Queue == "" {
			return
		}
		q := config.Queue{Name: sig.Queue, Limit: sig.Limit, Paused: sig.Paused}
		if q.Limit <= 0 {
			q.Limit = config.DefaultQueueLimit
		}
		if err := i.startLocalQueue(ctx, q); err != nil {
			slog.ErrorContext(ctx, "failed to start queue from signal", "queue", sig.Queue, "error", err)
		}

	case notify.SignalStop:
		if sig.Queue == "" {
			return
		}
		// Draining can take a full grace period; never block the signal
		// subscription on it.
		go i.stopLocalQueue(ctx, sig.Queue)
	}
}
