package notify

import (
	"context"
	"sync"
)

// LocalBackend loops notifications back in-process. It backs single-node
// deployments on stores without LISTEN/NOTIFY support and hermetic tests.
type LocalBackend struct {
	mu        sync.Mutex
	deliver   func(channel string, payload []byte)
	listening map[string]bool
	wg        sync.WaitGroup
}

// NewLocalBackend creates an in-process backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{listening: make(map[string]bool)}
}

func (b *LocalBackend) Start(_ context.Context, deliver func(channel string, payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver = deliver
	return nil
}

func (b *LocalBackend) Stop(_ context.Context) error {
	b.mu.Lock()
	b.deliver = nil
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *LocalBackend) Listen(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listening[channel] = true
	return nil
}

func (b *LocalBackend) Unlisten(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listening, channel)
	return nil
}

func (b *LocalBackend) Notify(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	deliver := b.deliver
	listening := b.listening[channel]
	b.mu.Unlock()

	if deliver == nil || !listening {
		return nil
	}

	// Deliver asynchronously to match the wire backends: publishers never
	// block on listeners.
	msg := make([]byte, len(payload))
	copy(msg, payload)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		deliver(channel, msg)
	}()
	return nil
}
