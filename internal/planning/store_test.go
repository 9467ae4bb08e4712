package planning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/storage"
)

func newTestStore(t *testing.T) (*Store, storage.Backend) {
	t.Helper()
	backend, err := storage.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return NewStore(room.NewStore(backend, "", nil)), backend
}

func TestGetEmptyContext(t *testing.T) {
	s, _ := newTestStore(t)

	pc, err := s.Get(context.Background(), "task-001")
	require.NoError(t, err)
	assert.Equal(t, "task-001", pc.TaskID)
	assert.Empty(t, pc.TaskPlan)
	assert.Empty(t, pc.Notes)

	_, err = s.Get(context.Background(), "not-a-task")
	assert.Equal(t, room.KindValidation, room.KindOf(err))
}

func TestSetPlanAndDeliverable(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	pc, err := s.SetPlan(ctx, "task-001", "1. read\n2. write")
	require.NoError(t, err)
	assert.Equal(t, "1. read\n2. write", pc.TaskPlan)
	assert.False(t, pc.CreatedAt.IsZero())
	assert.False(t, pc.UpdatedAt.IsZero())

	pc, err = s.SetDeliverable(ctx, "task-001", "shipped in v2")
	require.NoError(t, err)
	assert.Equal(t, "shipped in v2", pc.Deliverable)
	assert.Equal(t, "1. read\n2. write", pc.TaskPlan, "fields accrete, not replace")
}

func TestAddNote(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddNote(ctx, "task-001", "  ")
	assert.Equal(t, room.KindValidation, room.KindOf(err))

	pc, err := s.AddNote(ctx, "task-001", "first")
	require.NoError(t, err)
	pc, err = s.AddNote(ctx, "task-001", "second")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, pc.Notes)
}

func TestErrorLogAndResolve(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.LogError(ctx, "task-001", "build", "", "")
	assert.Equal(t, room.KindValidation, room.KindOf(err))

	pc, err := s.LogError(ctx, "task-001", "build", "undefined symbol", "linker stage")
	require.NoError(t, err)
	require.Len(t, pc.Errors, 1)
	assert.Equal(t, "build", pc.Errors[0].Type)
	assert.False(t, pc.Errors[0].Resolved)

	_, err = s.ResolveError(ctx, "task-001", 5)
	assert.Equal(t, room.KindValidation, room.KindOf(err))
	_, err = s.ResolveError(ctx, "task-001", -1)
	assert.Equal(t, room.KindValidation, room.KindOf(err))

	pc, err = s.ResolveError(ctx, "task-001", 0)
	require.NoError(t, err)
	assert.True(t, pc.Errors[0].Resolved)
}

func TestMarkdownSiblings(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	_, err := s.SetPlan(ctx, "task-001", "the plan")
	require.NoError(t, err)

	raw, found, err := backend.Get(ctx, "planning/task-001/task_plan.md")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, string(raw), "the plan")

	// A deleted sibling regenerates from the canonical JSON on read.
	require.NoError(t, backend.Delete(ctx, "planning/task-001/task_plan.md"))
	_, err = s.Get(ctx, "task-001")
	require.NoError(t, err)
	raw, found, err = backend.Get(ctx, "planning/task-001/task_plan.md")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, string(raw), "the plan")
}

func TestContextsAreIndependent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.SetPlan(ctx, "task-001", "plan one")
	require.NoError(t, err)
	_, err = s.SetPlan(ctx, "task-002", "plan two")
	require.NoError(t, err)

	pc, err := s.Get(ctx, "task-001")
	require.NoError(t, err)
	assert.Equal(t, "plan one", pc.TaskPlan)
	pc, err = s.Get(ctx, "task-002")
	require.NoError(t, err)
	assert.Equal(t, "plan two", pc.TaskPlan)
}
