// Package sonar classifies cluster connectivity. Every node publishes
// heartbeats on the sonar channel and tracks which peers it hears back from;
// the resulting status drives the stager's choice between global and local
// staging.
package sonar

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rezkam/backlog/internal/notify"
)

// Status is the tri-state connectivity classification.
type Status string

const (
	// StatusUnknown means no evaluation has happened yet.
	StatusUnknown Status = "unknown"
	// StatusIsolated means not even our own heartbeats come back: the
	// notifier path is down.
	StatusIsolated Status = "isolated"
	// StatusSolitary means we only hear ourselves.
	StatusSolitary Status = "solitary"
	// StatusClustered means other nodes are audible.
	StatusClustered Status = "clustered"
)

// Sonar emits and receives heartbeats and derives the cluster status.
type Sonar struct {
	relay     *notify.Relay
	node      string
	interval  time.Duration
	staleMult int
	onChange  func(Status)

	mu       sync.Mutex
	lastSeen map[string]time.Time
	status   Status

	cancelSub func()
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Sonar.
type Option func(*Sonar)

// WithOnChange registers a callback invoked on every status transition.
func WithOnChange(fn func(Status)) Option {
	return func(s *Sonar) { s.onChange = fn }
}

// New creates a sonar for the given node. Entries not refreshed within
// interval*staleMult are pruned.
func New(relay *notify.Relay, node string, interval time.Duration, staleMult int, opts ...Option) *Sonar {
	s := &Sonar{
		relay:     relay,
		node:      node,
		interval:  interval,
		staleMult: staleMult,
		lastSeen:  make(map[string]time.Time),
		status:    StatusUnknown,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the sonar channel and begins the heartbeat loop.
func (s *Sonar) Start(ctx context.Context) error {
	cancel, err := s.relay.Subscribe(ctx, []string{notify.ChannelSonar}, s.receive)
	if err != nil {
		return err
	}
	s.cancelSub = cancel

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop ends the heartbeat loop and unsubscribes.
func (s *Sonar) Stop() {
	close(s.done)
	s.wg.Wait()
	if s.cancelSub != nil {
		s.cancelSub()
	}
}

// Status returns the most recently derived classification.
func (s *Sonar) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sonar) run(ctx context.Context) {
	defer s.wg.Done()

	// First ping goes out immediately so a fresh node classifies itself
	// within one interval instead of two.
	s.ping(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evaluate(time.Now())
			s.ping(ctx)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sonar) ping(ctx context.Context) {
	err := s.relay.Notify(ctx, notify.ChannelSonar, notify.SonarPayload{Node: s.node, Ping: true})
	if err != nil {
		slog.WarnContext(ctx, "failed to publish sonar heartbeat", "node", s.node, "error", err)
	}
}

func (s *Sonar) receive(msg notify.Message) {
	var payload notify.SonarPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Node == "" {
		return
	}

	s.mu.Lock()
	s.lastSeen[payload.Node] = time.Now()
	s.mu.Unlock()
}

// evaluate prunes stale entries and derives the status. The own node's
// heartbeat only counts when it came back through the notifier, so a broken
// notifier path reads as isolated.
func (s *Sonar) evaluate(now time.Time) {
	horizon := now.Add(-time.Duration(s.staleMult) * s.interval)

	s.mu.Lock()
	for node, seen := range s.lastSeen {
		if seen.Before(horizon) {
			delete(s.lastSeen, node)
		}
	}

	var next Status
	switch {
	case len(s.lastSeen) == 0:
		next = StatusIsolated
	case len(s.lastSeen) == 1 && !s.lastSeen[s.node].IsZero():
		next = StatusSolitary
	default:
		next = StatusClustered
	}

	prev := s.status
	s.status = next
	s.mu.Unlock()

	if prev != next {
		slog.Info("cluster status changed", "node", s.node, "from", prev, "to", next)
		if s.onChange != nil {
			s.onChange(next)
		}
	}
}
