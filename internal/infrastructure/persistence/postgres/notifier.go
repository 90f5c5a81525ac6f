package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// waitSlice bounds each WaitForNotification call so the listen loop can
// apply pending LISTEN/UNLISTEN commands between waits. pgx dedicates the
// connection to waiting, so commands cannot run concurrently with it.
const waitSlice = time.Second

// Notifier implements notify.Backend on PostgreSQL LISTEN/NOTIFY. One
// dedicated connection waits for notifications; publishes go through the
// shared pool. Channel names are namespaced as "{prefix}.{channel}" on the
// wire.
type Notifier struct {
	pool   *pgxpool.Pool
	prefix string

	mu      sync.Mutex
	pending []command
	active  map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

type command struct {
	channel string
	listen  bool
}

// NewNotifier creates a notifier publishing under the given prefix.
func NewNotifier(pool *pgxpool.Pool, prefix string) *Notifier {
	return &Notifier{
		pool:   pool,
		prefix: prefix,
		active: make(map[string]bool),
		done:   make(chan struct{}),
	}
}

func (n *Notifier) channelName(channel string) string {
	return n.prefix + "." + channel
}

// Start acquires the listening connection and begins the wait loop.
func (n *Notifier) Start(ctx context.Context, deliver func(channel string, payload []byte)) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", classify(err))
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer conn.Release()
		n.listenLoop(ctx, conn, deliver)
	}()
	return nil
}

// Stop ends the wait loop and releases the listening connection.
func (n *Notifier) Stop(ctx context.Context) error {
	close(n.done)
	n.wg.Wait()
	return nil
}

// Listen subscribes the node to a channel. The actual LISTEN runs on the
// dedicated connection within one wait slice.
func (n *Notifier) Listen(ctx context.Context, channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, command{channel: channel, listen: true})
	return nil
}

// Unlisten unsubscribes the node from a channel.
func (n *Notifier) Unlisten(ctx context.Context, channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, command{channel: channel, listen: false})
	return nil
}

// Notify publishes through pg_notify so the payload is parameterized rather
// than interpolated into a NOTIFY statement.
func (n *Notifier) Notify(ctx context.Context, channel string, payload []byte) error {
	_, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, n.channelName(channel), string(payload))
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", classify(err))
	}
	return nil
}

func (n *Notifier) listenLoop(ctx context.Context, conn *pgxpool.Conn, deliver func(string, []byte)) {
	prefixLen := len(n.prefix) + 1

	for {
		select {
		case <-n.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		n.applyPending(ctx, conn)

		waitCtx, cancel := context.WithTimeout(ctx, waitSlice)
		notification, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				continue // wait slice elapsed, go apply pending commands
			}
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "notification wait failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-n.done:
				return
			}
			continue
		}

		if len(notification.Channel) <= prefixLen {
			continue
		}
		deliver(notification.Channel[prefixLen:], []byte(notification.Payload))
	}
}

// applyPending executes queued LISTEN/UNLISTEN commands on the dedicated
// connection, deduplicating against the active set.
func (n *Notifier) applyPending(ctx context.Context, conn *pgxpool.Conn) {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, cmd := range pending {
		name := n.channelName(cmd.channel)

		n.mu.Lock()
		already := n.active[cmd.channel]
		n.mu.Unlock()
		if cmd.listen == already {
			continue
		}

		verb := "UNLISTEN"
		if cmd.listen {
			verb = "LISTEN"
		}
		// Channel names come from compile-time constants plus the validated
		// prefix; quoting guards against future dynamic channels.
		if _, err := conn.Exec(ctx, fmt.Sprintf(`%s %q`, verb, name)); err != nil {
			slog.WarnContext(ctx, "failed to change channel subscription",
				"channel", name, "listen", cmd.listen, "error", err)
			continue
		}

		n.mu.Lock()
		if cmd.listen {
			n.active[cmd.channel] = true
		} else {
			delete(n.active, cmd.channel)
		}
		n.mu.Unlock()
	}
}
