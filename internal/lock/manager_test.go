package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	backend, err := storage.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return NewManager(backend)
}

func TestAcquireAndConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Acquire(ctx, "src/main.go", "alice", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Owner)
	assert.Equal(t, "src/main.go", rec.Resource)
	assert.True(t, rec.ExpiresAt.After(rec.AcquiredAt))

	// A second owner is refused with the holder named.
	_, err = m.Acquire(ctx, "src/main.go", "bob", time.Minute)
	require.Error(t, err)
	assert.Equal(t, room.KindFileLocked, room.KindOf(err))
	assert.Contains(t, err.Error(), "alice")

	// Re-acquire by the holder extends the lock.
	rec2, err := m.Acquire(ctx, "src/main.go", "alice", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec2.Owner)
}

func TestAcquireValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "../outside", "alice", time.Minute)
	assert.Equal(t, room.KindValidation, room.KindOf(err))

	_, err = m.Acquire(ctx, "src/main.go", "", time.Minute)
	assert.Equal(t, room.KindValidation, room.KindOf(err))
}

func TestLockExpiry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "src/util.go", "alice", MinTTL)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "src/util.go", "bob", time.Minute)
	assert.Equal(t, room.KindFileLocked, room.KindOf(err))

	time.Sleep(MinTTL + 100*time.Millisecond)

	// The expired lock falls to the next acquirer without a release.
	rec, err := m.Acquire(ctx, "src/util.go", "bob", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Owner)
}

func TestReleaseOwnerChecked(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "src/main.go", "alice", time.Minute)
	require.NoError(t, err)

	err = m.Release(ctx, "src/main.go", "bob")
	assert.Equal(t, room.KindFileLocked, room.KindOf(err))

	require.NoError(t, m.Release(ctx, "src/main.go", "alice"))

	err = m.Release(ctx, "src/main.go", "alice")
	assert.Equal(t, room.KindFileNotLocked, room.KindOf(err))
}

func TestHolder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, found, err := m.Holder(ctx, "src/main.go")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = m.Acquire(ctx, "src/main.go", "alice", time.Minute)
	require.NoError(t, err)

	owner, found, err := m.Holder(ctx, "src/main.go")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", owner)
}

func TestListDropsDeadEntries(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "a.go", "alice", time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "b.go", "bob", MinTTL)
	require.NoError(t, err)

	records, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a.go", records[0].Resource, "sorted by resource")
	assert.Equal(t, "b.go", records[1].Resource)

	time.Sleep(MinTTL + 100*time.Millisecond)

	records, err = m.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "expired locks drop out of the listing")
	assert.Equal(t, "a.go", records[0].Resource)
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, ClampTTL(0))
	assert.Equal(t, DefaultTTL, ClampTTL(-time.Minute))
	assert.Equal(t, MinTTL, ClampTTL(time.Millisecond))
	assert.Equal(t, MaxTTL, ClampTTL(24*time.Hour))
	assert.Equal(t, 10*time.Minute, ClampTTL(10*time.Minute))
}
