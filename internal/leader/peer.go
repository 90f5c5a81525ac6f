// Package leader elects a single leader per instance name through a row in
// the peers table. The database is the arbiter: whichever node holds the
// unexpired row leads, and everyone else follows.
package leader

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rezkam/backlog/internal/domain"
	"github.com/rezkam/backlog/internal/notify"
	"github.com/rezkam/backlog/internal/store"
)

// Peer periodically contends for leadership of an instance name.
type Peer struct {
	store    store.LeaderStore
	relay    *notify.Relay
	name     string
	node     string
	interval time.Duration

	mu           sync.Mutex
	leader       bool
	leaderNode   string
	schemaWarned bool

	cancelSub func()
	electNow  chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a peer for the given instance name and node identity.
func New(st store.LeaderStore, relay *notify.Relay, name, node string, interval time.Duration) *Peer {
	return &Peer{
		store:    st,
		relay:    relay,
		name:     name,
		node:     node,
		interval: interval,
		electNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start begins contending. The first election happens immediately.
func (p *Peer) Start(ctx context.Context) error {
	cancel, err := p.relay.Subscribe(ctx, []string{notify.ChannelLeader}, p.onLeaderMessage)
	if err != nil {
		return err
	}
	p.cancelSub = cancel

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop resigns leadership if held and ends the election loop. When the row
// is deleted, a down message lets followers re-contest without waiting for
// expiry.
func (p *Peer) Stop(ctx context.Context) {
	close(p.done)
	p.wg.Wait()
	if p.cancelSub != nil {
		p.cancelSub()
	}

	p.mu.Lock()
	wasLeader := p.leader
	p.leader = false
	p.mu.Unlock()

	if !wasLeader {
		return
	}

	if err := p.store.DeleteLeader(ctx, p.name, p.node); err != nil {
		slog.WarnContext(ctx, "failed to delete leader row on shutdown", "name", p.name, "error", err)
		return
	}
	if err := p.relay.Notify(ctx, notify.ChannelLeader, notify.LeaderPayload{Down: p.name}); err != nil {
		slog.WarnContext(ctx, "failed to broadcast leader down", "name", p.name, "error", err)
	}
}

// IsLeader reports whether this node won the most recent election.
func (p *Peer) IsLeader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leader
}

// LeaderNode returns the node holding leadership, or empty when unknown.
func (p *Peer) LeaderNode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaderNode
}

func (p *Peer) onLeaderMessage(msg notify.Message) {
	var payload notify.LeaderPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	if payload.Down != p.name || p.IsLeader() {
		return
	}
	// The leader stepped down; contend right away instead of waiting a tick.
	select {
	case p.electNow <- struct{}{}:
	default:
	}
}

func (p *Peer) run(ctx context.Context) {
	defer p.wg.Done()

	p.elect(ctx)

	for {
		timer := time.NewTimer(p.nextInterval())
		select {
		case <-timer.C:
			p.elect(ctx)
		case <-p.electNow:
			timer.Stop()
			p.elect(ctx)
		case <-p.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// nextInterval shortens the wait for the current leader so leadership is
// sticky: the holder refreshes its lease before followers see it expire.
func (p *Peer) nextInterval() time.Duration {
	if p.IsLeader() {
		return p.interval / 2
	}
	return p.interval
}

func (p *Peer) elect(ctx context.Context) {
	isLeader, leaderNode, err := p.store.ElectLeader(ctx, p.name, p.node, p.interval)
	if err != nil {
		// Keep the previous leadership view: flapping on transient errors
		// would hand the stager back and forth for nothing.
		switch {
		case errors.Is(err, domain.ErrMissingSchema):
			p.warnMissingSchema(ctx, err)
		case domain.IsTransient(err):
			slog.WarnContext(ctx, "leader election hit transient storage error", "name", p.name, "error", err)
		default:
			slog.ErrorContext(ctx, "leader election failed", "name", p.name, "error", err)
		}
		return
	}

	p.mu.Lock()
	wasLeader := p.leader
	p.leader = isLeader
	p.leaderNode = leaderNode
	p.mu.Unlock()

	if isLeader != wasLeader {
		slog.InfoContext(ctx, "leadership changed", "name", p.name, "node", p.node, "leader", isLeader, "leader_node", leaderNode)
	}
}

// warnMissingSchema logs the missing-table condition once at error level;
// further occurrences stay quiet so a pre-migration boot does not spam.
func (p *Peer) warnMissingSchema(ctx context.Context, err error) {
	p.mu.Lock()
	warned := p.schemaWarned
	p.schemaWarned = true
	p.mu.Unlock()

	if !warned {
		slog.ErrorContext(ctx, "peers table is missing, leader election disabled until migration", "name", p.name, "error", err)
	}
}
