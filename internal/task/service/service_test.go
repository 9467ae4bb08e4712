package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/storage"
	"github.com/masc-dev/masc/internal/task/models"
)

// captureNotifier records system messages and audit events in memory.
type captureNotifier struct {
	mu       sync.Mutex
	messages []string
	events   []room.AuditEvent
}

func (n *captureNotifier) SystemMessage(_ context.Context, content string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, content)
}

func (n *captureNotifier) Audit(_ context.Context, ev room.AuditEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *captureNotifier) lastMessage() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return ""
	}
	return n.messages[len(n.messages)-1]
}

func newTestService(t *testing.T) (*Service, *room.Store, *captureNotifier) {
	t.Helper()
	dir := t.TempDir()
	backend, err := storage.NewFileBackend(dir)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	store := room.NewStore(backend, dir, nil)
	_, err = store.Init(context.Background(), "masc")
	require.NoError(t, err)

	notifier := &captureNotifier{}
	return New(store, notifier, nil), store, notifier
}

func addTask(t *testing.T, svc *Service, title string, priority int) *models.Task {
	t.Helper()
	task, err := svc.Add(context.Background(), Spec{Title: title, Priority: priority})
	require.NoError(t, err)
	return task
}

func TestAddAssignsDenseIDs(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first := addTask(t, svc, "first", 3)
	second := addTask(t, svc, "second", 1)
	assert.Equal(t, "task-001", first.ID)
	assert.Equal(t, "task-002", second.ID)
	assert.Equal(t, models.StateTodo, first.Status.State)

	backlog, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), backlog.Version, "one bump per Add")
}

func TestAddValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, Spec{Title: "  ", Priority: 3})
	assert.Equal(t, room.KindValidation, room.KindOf(err))

	_, err = svc.Add(ctx, Spec{Title: "x", Priority: 0})
	assert.Equal(t, room.KindValidation, room.KindOf(err))

	_, err = svc.Add(ctx, Spec{Title: "x", Priority: 6})
	assert.Equal(t, room.KindValidation, room.KindOf(err))
}

func TestAddBatchIsAtomic(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// One bad spec fails the whole batch before any version bump.
	_, err := svc.AddBatch(ctx, []Spec{
		{Title: "good", Priority: 3},
		{Title: "", Priority: 3},
	})
	assert.Equal(t, room.KindValidation, room.KindOf(err))

	backlog, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, backlog.Tasks)
	assert.Equal(t, int64(0), backlog.Version)

	tasks, err := svc.AddBatch(ctx, []Spec{
		{Title: "a", Priority: 3},
		{Title: "b", Priority: 3},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-001", tasks[0].ID)
	assert.Equal(t, "task-002", tasks[1].ID)

	backlog, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog.Version, "batch is one transaction")
}

func TestTransitionVersionGuard(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	addTask(t, svc, "contended", 3)

	stale := int64(0)
	_, err := svc.Transition(ctx, "bob", "task-001", models.ActionClaim, &stale, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Version mismatch (expected 0, got 1)")

	current := int64(1)
	res, err := svc.Transition(ctx, "alice", "task-001", models.ActionClaim, &current, "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateTodo, res.PrevState)
	assert.Equal(t, models.StateClaimed, res.Task.Status.State)
	assert.Equal(t, int64(2), res.Version)
}

func TestTransitionClaimRace(t *testing.T) {
	svc, _, notifier := newTestService(t)
	ctx := context.Background()
	addTask(t, svc, "contended", 3)

	v := int64(1)
	_, err := svc.Transition(ctx, "alice", "task-001", models.ActionClaim, &v, "", "")
	require.NoError(t, err)
	assert.Contains(t, notifier.lastMessage(), "✅ task-001 todo → claimed by alice")

	// The loser with the same expected version sees the CAS failure, not
	// the already-claimed error.
	_, err = svc.Transition(ctx, "bob", "task-001", models.ActionClaim, &v, "", "")
	assert.Contains(t, err.Error(), "Version mismatch")

	// Without a guard the conflict surfaces as already-claimed.
	_, err = svc.Transition(ctx, "bob", "task-001", models.ActionClaim, nil, "", "")
	assert.Equal(t, room.KindTaskClaimed, room.KindOf(err))
}

func TestTransitionNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Transition(ctx, "alice", "task-099", models.ActionClaim, nil, "", "")
	assert.Equal(t, room.KindTaskNotFound, room.KindOf(err))

	_, err = svc.Transition(ctx, "alice", "../etc/passwd", models.ActionClaim, nil, "", "")
	assert.Equal(t, room.KindValidation, room.KindOf(err))
}

func TestTransitionMirrorsAgent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.SaveAgent(ctx, &room.Agent{
		Name: "alice", Role: room.RoleWorker, Status: room.AgentActive,
		JoinedAt: now, LastSeen: now,
	}))
	addTask(t, svc, "mirrored", 3)

	_, err := svc.Transition(ctx, "alice", "task-001", models.ActionClaim, nil, "", "")
	require.NoError(t, err)
	a, err := store.LoadAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "task-001", a.CurrentTask)
	assert.Equal(t, room.AgentBusy, a.Status)

	_, err = svc.Transition(ctx, "alice", "task-001", models.ActionDone, nil, "shipped", "")
	require.NoError(t, err)
	a, err = store.LoadAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, a.CurrentTask)
	assert.Equal(t, room.AgentActive, a.Status)
}

func TestClaimNextPicksByEffectivePriority(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	addTask(t, svc, "urgent", 1)
	addTask(t, svc, "later", 4)
	addTask(t, svc, "ancient", 5)

	// Age the P5 task four days so its effective priority drops to 1; it
	// still loses the tie to the genuinely older P1 task... unless we age
	// it further back, which also makes it the tie-winner.
	var backlog models.Backlog
	_, err := store.GetJSON(ctx, room.BacklogKey, &backlog)
	require.NoError(t, err)
	backlog.Tasks[2].CreatedAt = time.Now().UTC().Add(-5 * 24 * time.Hour)
	require.NoError(t, store.PutJSON(ctx, room.BacklogKey, &backlog))

	res, err := svc.ClaimNext(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "task-003", res.Task.ID, "aged P5 wins: effective 1, oldest created_at")

	res, err = svc.ClaimNext(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "task-001", res.Task.ID, "then the nominal P1")

	res, err = svc.ClaimNext(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "task-002", res.Task.ID)

	// Empty todo pool: nil result, nil error, version untouched.
	before, err := svc.List(ctx)
	require.NoError(t, err)
	res, err = svc.ClaimNext(ctx, "dave")
	require.NoError(t, err)
	assert.Nil(t, res)
	after, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestMyTask(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	addTask(t, svc, "mine", 3)

	task, err := svc.MyTask(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, task)

	_, err = svc.Transition(ctx, "alice", "task-001", models.ActionClaim, nil, "", "")
	require.NoError(t, err)

	task, err = svc.MyTask(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "task-001", task.ID)

	_, err = svc.Transition(ctx, "alice", "task-001", models.ActionDone, nil, "", "")
	require.NoError(t, err)
	task, err = svc.MyTask(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, task, "done tasks no longer count as mine")
}

func TestGCArchivesStaleTasks(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	addTask(t, svc, "stale todo", 3)
	addTask(t, svc, "fresh todo", 3)
	addTask(t, svc, "old but done", 3)

	_, err := svc.Transition(ctx, "alice", "task-003", models.ActionClaim, nil, "", "")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, "alice", "task-003", models.ActionDone, nil, "", "")
	require.NoError(t, err)

	// Backdate tasks 1 and 3 beyond the cutoff.
	var backlog models.Backlog
	_, err = store.GetJSON(ctx, room.BacklogKey, &backlog)
	require.NoError(t, err)
	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	backlog.Tasks[0].CreatedAt = old
	backlog.Tasks[2].CreatedAt = old
	require.NoError(t, store.PutJSON(ctx, room.BacklogKey, &backlog))

	report, err := svc.GC(ctx, 7, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ArchivedTasks, "done tasks stay on the backlog")

	backlogAfter, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Nil(t, backlogAfter.Find("task-001"))
	assert.NotNil(t, backlogAfter.Find("task-002"))
	assert.NotNil(t, backlogAfter.Find("task-003"))

	// Archived ids keep their numbers reserved.
	next := addTask(t, svc, "new after gc", 3)
	assert.Equal(t, "task-004", next.ID)
}

func TestGCRemovesZombies(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.SaveAgent(ctx, &room.Agent{
		Name: "fresh", Role: room.RoleWorker, Status: room.AgentActive,
		JoinedAt: now, LastSeen: now,
	}))
	require.NoError(t, store.SaveAgent(ctx, &room.Agent{
		Name: "zombie", Role: room.RoleWorker, Status: room.AgentActive,
		JoinedAt: now.Add(-2 * time.Hour), LastSeen: now.Add(-2 * time.Hour),
	}))

	report, err := svc.GC(ctx, 7, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemovedAgents)

	_, err = store.LoadAgent(ctx, "zombie")
	assert.Equal(t, room.KindAgentNotFound, room.KindOf(err))
	_, err = store.LoadAgent(ctx, "fresh")
	assert.NoError(t, err)
}

func TestGCValidatesDays(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GC(context.Background(), 0, time.Hour)
	assert.Equal(t, room.KindValidation, room.KindOf(err))
}
