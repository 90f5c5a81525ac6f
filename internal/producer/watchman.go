package producer

import (
	"context"
	"log/slog"
	"time"
)

const (
	// drainPoll is how often the watchman re-checks the running set.
	drainPoll = 25 * time.Millisecond

	// graceExtension pads the configured grace period so a job finishing
	// right at the deadline still gets its transition persisted.
	graceExtension = 500 * time.Millisecond
)

// Watchman drains one producer on shutdown: it pauses claims, waits up to
// the grace period for running jobs to finish, and reports what was left
// behind. Jobs still running after the grace stay in executing and are
// picked up by a later rescue.
type Watchman struct {
	producer *Producer
	grace    time.Duration
}

// NewWatchman creates a watchman for p.
func NewWatchman(p *Producer, grace time.Duration) *Watchman {
	return &Watchman{producer: p, grace: grace}
}

// Shutdown performs the graceful drain and returns the number of jobs that
// were abandoned mid-execution.
func (w *Watchman) Shutdown(ctx context.Context) int64 {
	w.producer.Pause()

	deadline := time.NewTimer(w.grace + graceExtension)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for {
		active := w.producer.ActiveCount()
		if active == 0 {
			slog.InfoContext(ctx, "queue drained", "queue", w.producer.cfg.Queue)
			return 0
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			slog.WarnContext(ctx, "grace period expired, abandoning running jobs",
				"queue", w.producer.cfg.Queue, "abandoned", active)
			return active
		case <-ctx.Done():
			slog.WarnContext(ctx, "shutdown context cancelled before drain finished",
				"queue", w.producer.cfg.Queue, "abandoned", active)
			return active
		}
	}
}
