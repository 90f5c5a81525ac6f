// Package stager periodically promotes due scheduled and retryable jobs to
// the available state and tells producers which queues gained work. Only the
// leader stages; when the notifier path is down, delivery falls back from
// insert broadcasts to nudging local producers directly.
package stager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rezkam/backlog/internal/notify"
	"github.com/rezkam/backlog/internal/sonar"
	"github.com/rezkam/backlog/internal/store"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Mode selects how staged work reaches producers.
type Mode string

const (
	// ModeGlobal stages on the leader and fans out through the insert
	// channel.
	ModeGlobal Mode = "global"
	// ModeLocal skips remote staging and pokes local producers directly, a
	// fallback for when notifications do not propagate between nodes.
	ModeLocal Mode = "local"
)

// LeaderChecker reports whether this node currently leads the instance.
type LeaderChecker interface {
	IsLeader() bool
}

// StatusChecker exposes the sonar's connectivity classification.
type StatusChecker interface {
	Status() sonar.Status
}

var meter = otel.Meter("github.com/rezkam/backlog/internal/stager")

// Stager runs the periodic promotion loop.
type Stager struct {
	store    store.JobStore
	relay    *notify.Relay
	peer     LeaderChecker
	sensor   StatusChecker
	interval time.Duration
	limit    int

	// nudge pokes every local producer; used in local mode as the
	// notification-free dispatch path.
	nudge func()

	mu   sync.Mutex
	mode Mode

	stagedCounter metric.Int64Counter

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a stager. A non-positive interval disables staging entirely
// and the system degrades to pure availability.
func New(st store.JobStore, relay *notify.Relay, peer LeaderChecker, sensor StatusChecker, interval time.Duration, limit int, nudge func()) *Stager {
	stagedCounter, err := meter.Int64Counter("backlog.stager.staged_jobs",
		metric.WithDescription("Jobs promoted from scheduled/retryable to available"))
	if err != nil {
		slog.Warn("failed to create stager counter", "error", err)
	}

	return &Stager{
		store:         st,
		relay:         relay,
		peer:          peer,
		sensor:        sensor,
		interval:      interval,
		limit:         limit,
		nudge:         nudge,
		mode:          ModeGlobal,
		stagedCounter: stagedCounter,
		done:          make(chan struct{}),
	}
}

// Start begins the staging loop.
func (s *Stager) Start(ctx context.Context) error {
	if s.interval <= 0 {
		slog.InfoContext(ctx, "staging disabled, scheduled jobs will not be promoted")
		return nil
	}

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop ends the staging loop.
func (s *Stager) Stop() {
	close(s.done)
	s.wg.Wait()
}

// Mode returns the current staging mode.
func (s *Stager) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Stager) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one staging round. The leader stages in every mode: staging is
// the safety net for lost notifications, so a notifier outage must not stop
// it. The mode only selects the delivery path — insert broadcasts in global
// mode, a direct nudge of local producers in local mode.
func (s *Stager) tick(ctx context.Context) {
	mode := s.updateMode(ctx)

	if s.peer.IsLeader() {
		s.stage(ctx, mode)
	}
	if mode == ModeLocal && s.nudge != nil {
		s.nudge()
	}
}

// updateMode derives the staging mode from the cluster status and logs the
// switch when it changes.
func (s *Stager) updateMode(ctx context.Context) Mode {
	next := nextMode(s.Mode(), s.sensor.Status(), s.peer.IsLeader())

	s.mu.Lock()
	prev := s.mode
	s.mode = next
	s.mu.Unlock()

	if prev != next {
		slog.InfoContext(ctx, "stager mode changed", "from", prev, "to", next)
	}
	return next
}

// nextMode maps the sonar classification to a staging mode. Unknown keeps
// the current mode to avoid reacting before the first heartbeat round.
func nextMode(current Mode, status sonar.Status, isLeader bool) Mode {
	switch status {
	case sonar.StatusClustered:
		return ModeGlobal
	case sonar.StatusIsolated:
		return ModeLocal
	case sonar.StatusSolitary:
		if isLeader {
			return ModeGlobal
		}
		return ModeLocal
	default:
		return current
	}
}

func (s *Stager) stage(ctx context.Context, mode Mode) {
	staged, err := s.store.StageJobs(ctx, s.limit)
	if err != nil {
		slog.WarnContext(ctx, "staging pass failed", "error", err)
		return
	}

	if s.stagedCounter != nil {
		s.stagedCounter.Add(ctx, int64(len(staged)))
	}

	if mode == ModeLocal {
		// Notifications are presumed down; the nudge delivers instead.
		return
	}

	if len(staged) > 0 {
		queues := lo.Uniq(lo.FilterMap(staged, func(j store.StagedJob, _ int) (string, bool) {
			return j.Queue, j.Queue != ""
		}))

		payload := make([]notify.InsertPayload, 0, len(queues))
		for _, queue := range queues {
			payload = append(payload, notify.InsertPayload{Queue: queue})
		}
		if err := s.relay.Notify(ctx, notify.ChannelInsert, payload); err != nil {
			slog.WarnContext(ctx, "failed to notify staged queues", "error", err)
		}

		slog.DebugContext(ctx, "staged jobs", "count", len(staged), "queues", queues)
	}

	// Liveness probe: producers hearing this know staging notifications
	// still propagate.
	if err := s.relay.Notify(ctx, notify.ChannelStager, notify.StagerPayload{Ping: "pong"}); err != nil {
		slog.WarnContext(ctx, "failed to publish stager ping", "error", err)
	}
}
