// Package notify is the cross-node pub/sub relay. Components subscribe to
// named channels and receive decoded payloads published by any node sharing
// the database. Delivery is at-most-once to currently subscribed listeners;
// notifications are a latency optimization, never a correctness mechanism —
// staging and polling are the safety net.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Built-in channels.
const (
	ChannelInsert = "insert"
	ChannelSignal = "signal"
	ChannelLeader = "leader"
	ChannelGossip = "gossip"
	ChannelStager = "stager"
	ChannelSonar  = "sonar"
)

// IdentAny matches every listener regardless of configured identity.
const IdentAny = "any"

// Message is one decoded notification delivered to a local listener.
type Message struct {
	Channel string
	Payload []byte
}

// Backend moves raw payloads between nodes. Implementations apply the
// configured channel prefix on the wire; the relay always speaks logical
// channel names.
type Backend interface {
	// Start begins receiving. Incoming payloads are handed to deliver with
	// the logical channel name.
	Start(ctx context.Context, deliver func(channel string, payload []byte)) error

	// Stop tears down the backend connection.
	Stop(ctx context.Context) error

	// Listen subscribes the node to a channel.
	Listen(ctx context.Context, channel string) error

	// Unlisten unsubscribes the node from a channel.
	Unlisten(ctx context.Context, channel string) error

	// Notify publishes a payload to every listening node, this one included.
	Notify(ctx context.Context, channel string, payload []byte) error
}

// subscriptionBuffer bounds the per-listener queue. A listener that falls
// this far behind starts losing messages, which at-most-once permits.
const subscriptionBuffer = 64

type subscription struct {
	channels []string
	msgs     chan Message
	done     chan struct{}
}

// Relay fans incoming notifications out to local subscriptions, applying
// payload decompression and ident scope filtering on the way.
type Relay struct {
	backend Backend
	ident   string

	mu   sync.Mutex
	subs map[string][]*subscription
}

// NewRelay creates a relay delivering to listeners under the given scope
// identity ("name.node").
func NewRelay(backend Backend, ident string) *Relay {
	return &Relay{
		backend: backend,
		ident:   ident,
		subs:    make(map[string][]*subscription),
	}
}

// Start connects the backend and begins relaying.
func (r *Relay) Start(ctx context.Context) error {
	return r.backend.Start(ctx, r.deliver)
}

// Stop disconnects the backend. Existing subscriptions stop receiving but
// remain registered; callers cancel them individually.
func (r *Relay) Stop(ctx context.Context) error {
	return r.backend.Stop(ctx)
}

// Subscribe registers fn for the given channels and returns a cancel
// function. fn runs on a dedicated goroutine per subscription, so a slow
// listener only loses its own messages.
func (r *Relay) Subscribe(ctx context.Context, channels []string, fn func(Message)) (func(), error) {
	sub := &subscription{
		channels: channels,
		msgs:     make(chan Message, subscriptionBuffer),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	for _, ch := range channels {
		if len(r.subs[ch]) == 0 {
			if err := r.backend.Listen(ctx, ch); err != nil {
				r.removeLocked(sub)
				r.mu.Unlock()
				return nil, err
			}
		}
		r.subs[ch] = append(r.subs[ch], sub)
	}
	r.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-sub.msgs:
				fn(msg)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			r.removeLocked(sub)
			r.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}

// removeLocked detaches sub from every channel and unlistens channels that
// lost their last local listener.
func (r *Relay) removeLocked(sub *subscription) {
	for _, ch := range sub.channels {
		subs := r.subs[ch]
		for i, s := range subs {
			if s == sub {
				r.subs[ch] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(r.subs[ch]) == 0 {
			delete(r.subs, ch)
			if err := r.backend.Unlisten(context.Background(), ch); err != nil {
				slog.Warn("failed to unlisten channel", "channel", ch, "error", err)
			}
		}
	}
}

// Notify encodes payload as JSON, compresses it past the size threshold, and
// publishes it on the channel.
func (r *Relay) Notify(ctx context.Context, channel string, payload any) error {
	encoded, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return r.backend.Notify(ctx, channel, encoded)
}

// deliver decodes one incoming payload and fans it out. Full listener
// buffers drop the message rather than backpressure the backend.
func (r *Relay) deliver(channel string, payload []byte) {
	decoded, err := decodePayload(payload)
	if err != nil {
		slog.Warn("dropping undecodable notification", "channel", channel, "error", err)
		return
	}

	if !scopeMatches(decoded, r.ident) {
		return
	}

	msg := Message{Channel: channel, Payload: decoded}

	r.mu.Lock()
	subs := make([]*subscription, len(r.subs[channel]))
	copy(subs, r.subs[channel])
	r.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.msgs <- msg:
		default:
			slog.Warn("dropping notification for slow listener", "channel", channel)
		}
	}
}
