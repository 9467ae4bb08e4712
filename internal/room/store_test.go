package room

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-dev/masc/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	backend, err := storage.NewFileBackend(dir)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return NewStore(backend, dir, nil)
}

func TestInitIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.False(t, s.Initialized(ctx))

	created, err := s.Init(ctx, "masc")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, s.Initialized(ctx))

	created, err = s.Init(ctx, "other")
	require.NoError(t, err)
	assert.False(t, created, "second init must not recreate")

	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "masc", st.Project, "second init must not overwrite the project")
	assert.Equal(t, ProtocolVersion, st.ProtocolVersion)
}

func TestLoadStateUninitialized(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadState(context.Background())
	assert.Equal(t, KindNotInitialized, KindOf(err))
}

func TestMutateStateBumpsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Init(ctx, "masc")
	require.NoError(t, err)

	before, err := s.LoadState(ctx)
	require.NoError(t, err)

	st, err := s.MutateState(ctx, func(st *State) error {
		st.AddAgent("backend-worker")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, st.HasAgent("backend-worker"))
	assert.False(t, st.UpdatedAt.Before(before.UpdatedAt))

	// A failing mutation leaves the document untouched.
	_, err = s.MutateState(ctx, func(st *State) error {
		st.AddAgent("ghost")
		return fmt.Errorf("boom")
	})
	require.Error(t, err)
	st, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.False(t, st.HasAgent("ghost"))
}

func TestAgentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadAgent(ctx, "missing")
	assert.Equal(t, KindAgentNotFound, KindOf(err))

	now := time.Now().UTC()
	require.NoError(t, s.SaveAgent(ctx, &Agent{
		Name:     "backend-worker",
		Role:     RoleWorker,
		Status:   AgentActive,
		JoinedAt: now,
		LastSeen: now,
	}))

	a, err := s.LoadAgent(ctx, "backend-worker")
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, a.Role)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)

	require.NoError(t, s.DeleteAgent(ctx, "backend-worker"))
	_, err = s.LoadAgent(ctx, "backend-worker")
	assert.Equal(t, KindAgentNotFound, KindOf(err))
}

func TestAppendMessageSequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Init(ctx, "masc")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		msg, err := s.AppendMessage(ctx, "alice", MessageBroadcast, fmt.Sprintf("msg %d", i), "")
		require.NoError(t, err)
		assert.Equal(t, int64(i), msg.Seq, "seq must be gap-free from 1")
	}

	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.MessageSeq)

	// Most-recent-first.
	msgs, err := s.Messages(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(3), msgs[0].Seq)
	assert.Equal(t, "msg 3", msgs[0].Content)

	// since_seq excludes the watermark itself.
	msgs, err = s.Messages(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(3), msgs[0].Seq)

	// limit clips from the newest end.
	msgs, err = s.Messages(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(3), msgs[0].Seq)
	assert.Equal(t, int64(2), msgs[1].Seq)
}

func TestCacheTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheSet(ctx, "build", "ok", 30*time.Millisecond))

	v, found, err := s.CacheGet(ctx, "build")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ok", v)

	time.Sleep(50 * time.Millisecond)
	_, found, err = s.CacheGet(ctx, "build")
	require.NoError(t, err)
	assert.False(t, found, "expired entries read as absent")

	// No TTL means no expiry.
	require.NoError(t, s.CacheSet(ctx, "pin", "forever", 0))
	_, found, err = s.CacheGet(ctx, "pin")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestAuditAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAudit(ctx, AuditEvent{
			Timestamp: time.Now().UTC(),
			Agent:     "alice",
			EventType: "tool_call",
			Success:   true,
			Detail:    fmt.Sprintf("tool-%d", i),
		}))
	}

	events, err := s.ReadAudit(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "tool-4", events[0].Detail, "newest first")
}

func TestSessionAgentPersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok := s.SessionAgent(ctx, "http-abc")
	assert.False(t, ok)

	require.NoError(t, s.SaveSessionAgent(ctx, "http-abc", "backend-worker"))
	name, ok := s.SessionAgent(ctx, "http-abc")
	require.True(t, ok)
	assert.Equal(t, "backend-worker", name)
}

func TestWithLockSerializes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	counter := 0
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			err := s.WithLock(ctx, BacklogKey, func() error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("lock holders did not finish")
		}
	}
	assert.Equal(t, 4, counter, "critical sections must not interleave")
}
