package leader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rezkam/backlog/internal/domain"
	"github.com/rezkam/backlog/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLeaderStore implements store.LeaderStore in memory with the same
// single-row-per-name semantics as the peers table.
type fakeLeaderStore struct {
	mu   sync.Mutex
	rows map[string]domain.PeerInfo

	electErr error
	elects   int
	deletes  int
}

func newFakeLeaderStore() *fakeLeaderStore {
	return &fakeLeaderStore{rows: make(map[string]domain.PeerInfo)}
}

func (s *fakeLeaderStore) ElectLeader(_ context.Context, name, node string, ttl time.Duration) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elects++

	if s.electErr != nil {
		return false, "", s.electErr
	}

	now := time.Now()
	row, exists := s.rows[name]
	if exists && row.Expired(now) {
		delete(s.rows, name)
		exists = false
	}

	if !exists || row.Node == node {
		s.rows[name] = domain.PeerInfo{Name: name, Node: node, StartedAt: now, ExpiresAt: now.Add(ttl)}
		return true, node, nil
	}
	return false, row.Node, nil
}

func (s *fakeLeaderStore) FindLeaderNode(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[name]
	if !ok || row.Expired(time.Now()) {
		return "", nil
	}
	return row.Node, nil
}

func (s *fakeLeaderStore) DeleteLeader(_ context.Context, name, node string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if row, ok := s.rows[name]; ok && row.Node == node {
		delete(s.rows, name)
	}
	return nil
}

func newTestRelay(t *testing.T) *notify.Relay {
	t.Helper()
	relay := notify.NewRelay(notify.NewLocalBackend(), "backlog.test")
	require.NoError(t, relay.Start(context.Background()))
	return relay
}

func TestPeer_BecomesLeader(t *testing.T) {
	ctx := context.Background()
	st := newFakeLeaderStore()
	p := New(st, newTestRelay(t), "backlog", "node-1", time.Hour)

	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	require.Eventually(t, func() bool { return p.IsLeader() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "node-1", p.LeaderNode())
}

func TestPeer_FollowsExistingLeader(t *testing.T) {
	ctx := context.Background()
	st := newFakeLeaderStore()
	_, _, err := st.ElectLeader(ctx, "backlog", "node-other", time.Hour)
	require.NoError(t, err)

	p := New(st, newTestRelay(t), "backlog", "node-1", time.Hour)
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	require.Eventually(t, func() bool { return p.LeaderNode() == "node-other" }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, p.IsLeader())
}

func TestPeer_KeepsPriorViewOnTransientError(t *testing.T) {
	ctx := context.Background()
	st := newFakeLeaderStore()
	p := New(st, newTestRelay(t), "backlog", "node-1", 20*time.Millisecond)

	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	require.Eventually(t, func() bool { return p.IsLeader() }, 2*time.Second, 5*time.Millisecond)

	// Elections now fail; the peer must not drop leadership.
	st.mu.Lock()
	st.electErr = domain.Transient(assert.AnError)
	st.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	assert.True(t, p.IsLeader())
}

func TestPeer_ResignsOnStop(t *testing.T) {
	ctx := context.Background()
	st := newFakeLeaderStore()
	relay := newTestRelay(t)

	downs := make(chan notify.Message, 1)
	cancel, err := relay.Subscribe(ctx, []string{notify.ChannelLeader}, func(msg notify.Message) {
		downs <- msg
	})
	require.NoError(t, err)
	defer cancel()

	p := New(st, relay, "backlog", "node-1", time.Hour)
	require.NoError(t, p.Start(ctx))
	require.Eventually(t, func() bool { return p.IsLeader() }, 2*time.Second, 5*time.Millisecond)

	p.Stop(ctx)

	assert.False(t, p.IsLeader())
	node, err := st.FindLeaderNode(ctx, "backlog")
	require.NoError(t, err)
	assert.Empty(t, node, "leader row should be deleted on graceful stop")

	select {
	case msg := <-downs:
		assert.JSONEq(t, `{"down":"backlog"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("down broadcast not observed")
	}
}

func TestPeer_RecontestsOnDownBroadcast(t *testing.T) {
	ctx := context.Background()
	st := newFakeLeaderStore()
	relay := newTestRelay(t)

	// Another node holds the lease with a long TTL.
	_, _, err := st.ElectLeader(ctx, "backlog", "node-other", time.Hour)
	require.NoError(t, err)

	p := New(st, relay, "backlog", "node-1", time.Hour)
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	require.Eventually(t, func() bool { return p.LeaderNode() == "node-other" }, 2*time.Second, 5*time.Millisecond)

	// The holder resigns out-of-band; the down broadcast should trigger an
	// immediate re-election well before the hour-long tick.
	require.NoError(t, st.DeleteLeader(ctx, "backlog", "node-other"))
	require.NoError(t, relay.Notify(ctx, notify.ChannelLeader, notify.LeaderPayload{Down: "backlog"}))

	require.Eventually(t, func() bool { return p.IsLeader() }, 2*time.Second, 5*time.Millisecond)
}
