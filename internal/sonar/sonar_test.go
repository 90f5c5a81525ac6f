package sonar

import (
	"context"
	"testing"
	"time"

	"github.com/rezkam/backlog/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSonar_Derivation(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		lastSeen map[string]time.Time
		want     Status
	}{
		{
			name:     "no heartbeats means isolated",
			lastSeen: map[string]time.Time{},
			want:     StatusIsolated,
		},
		{
			name:     "only own node means solitary",
			lastSeen: map[string]time.Time{"node-1": now},
			want:     StatusSolitary,
		},
		{
			name:     "peers audible means clustered",
			lastSeen: map[string]time.Time{"node-1": now, "node-2": now},
			want:     StatusClustered,
		},
		{
			name:     "only a foreign node still means clustered",
			lastSeen: map[string]time.Time{"node-2": now},
			want:     StatusClustered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(nil, "node-1", 15*time.Second, 2)
			s.lastSeen = tt.lastSeen

			s.evaluate(now)
			assert.Equal(t, tt.want, s.Status())
		})
	}
}

func TestSonar_PrunesStaleEntries(t *testing.T) {
	now := time.Now()
	s := New(nil, "node-1", time.Second, 2)
	s.lastSeen = map[string]time.Time{
		"node-1": now,
		"node-2": now.Add(-3 * time.Second), // past interval*staleMult
	}

	s.evaluate(now)
	assert.Equal(t, StatusSolitary, s.Status())
	assert.NotContains(t, s.lastSeen, "node-2")
}

func TestSonar_ChangeCallback(t *testing.T) {
	var transitions []Status
	s := New(nil, "node-1", time.Second, 2, WithOnChange(func(st Status) {
		transitions = append(transitions, st)
	}))

	s.evaluate(time.Now()) // unknown -> isolated
	s.lastSeen["node-1"] = time.Now()
	s.evaluate(time.Now()) // isolated -> solitary
	s.evaluate(time.Now()) // no change

	assert.Equal(t, []Status{StatusIsolated, StatusSolitary}, transitions)
}

func TestSonar_HeartbeatLoopback(t *testing.T) {
	ctx := context.Background()
	relay := notify.NewRelay(notify.NewLocalBackend(), "backlog.node-1")
	require.NoError(t, relay.Start(ctx))

	s := New(relay, "node-1", 20*time.Millisecond, 2)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Status() == StatusSolitary
	}, 2*time.Second, 10*time.Millisecond, "own heartbeat should loop back as solitary")
}

func TestSonar_HearsPeers(t *testing.T) {
	ctx := context.Background()
	relay := notify.NewRelay(notify.NewLocalBackend(), "backlog.node-1")
	require.NoError(t, relay.Start(ctx))

	s := New(relay, "node-1", 20*time.Millisecond, 2)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = relay.Notify(ctx, notify.ChannelSonar, notify.SonarPayload{Node: "node-2", Ping: true})
			case <-stop:
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		return s.Status() == StatusClustered
	}, 2*time.Second, 10*time.Millisecond)
}
