package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-dev/masc/internal/events"
	"github.com/masc-dev/masc/internal/features"
	"github.com/masc-dev/masc/internal/lock"
	"github.com/masc-dev/masc/internal/planning"
	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/session"
	"github.com/masc-dev/masc/internal/storage"
	"github.com/masc-dev/masc/internal/task/service"
)

func newTestDispatcher(t *testing.T, mode string) (*Dispatcher, *room.Store) {
	t.Helper()
	dir := t.TempDir()
	backend, err := storage.NewFileBackend(dir)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	store := room.NewStore(backend, dir, nil)
	registry := session.NewRegistry(session.DefaultRateLimits())
	auditor := events.NewAuditor(store, events.AuditBasic, nil)
	notifier := events.NewNotifier(store, registry, auditor, nil, "", nil)
	tasks := service.New(store, notifier, nil)
	featureSet, err := features.Resolve(mode, dir)
	require.NoError(t, err)

	d := New(store, tasks, registry, lock.NewManager(backend), planning.NewStore(store),
		notifier, featureSet, nil, Config{ZombieThreshold: time.Hour, GCDays: 7}, nil)
	return d, store
}

// call runs one tool and returns its text, asserting on the error flag.
func call(t *testing.T, d *Dispatcher, session, tool string, args map[string]any, wantErr bool) string {
	t.Helper()
	res := d.Dispatch(context.Background(), session, tool, args)
	require.NotNil(t, res)
	assert.Equal(t, wantErr, res.IsError, "tool %s: %s", tool, resultText(res))
	return resultText(res)
}

func joinAs(t *testing.T, d *Dispatcher, session, name, role string) {
	t.Helper()
	call(t, d, session, "masc_join", map[string]any{"name": name, "role": role}, false)
}

func TestDispatchUnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(t, "full")

	got := call(t, d, "s1", "masc_explode", nil, true)
	assert.Equal(t, "Unknown tool: masc_explode", got)
}

func TestDispatchDisabledToolIsUnknown(t *testing.T) {
	d, _ := newTestDispatcher(t, "minimal")

	// Comm tools are off in minimal mode and indistinguishable from
	// unregistered ones.
	got := call(t, d, "s1", "masc_broadcast", map[string]any{
		"agent_name": "alice", "content": "hi",
	}, true)
	assert.Equal(t, "Unknown tool: masc_broadcast", got)

	for _, tool := range d.Tools() {
		assert.NotEqual(t, "masc_broadcast", tool.Name, "disabled tools are not advertised")
	}
}

func TestDispatchJoinGate(t *testing.T) {
	d, _ := newTestDispatcher(t, "standard")
	call(t, d, "s1", "masc_init", map[string]any{"project": "demo"}, false)

	got := call(t, d, "s1", "masc_add_task", map[string]any{
		"agent_name": "stranger", "title": "sneaky",
	}, true)
	assert.Contains(t, got, "❌ Join required")
	assert.Contains(t, got, "stranger")

	joinAs(t, d, "s1", "stranger", "worker")
	got = call(t, d, "s1", "masc_add_task", map[string]any{
		"agent_name": "stranger", "title": "now allowed",
	}, false)
	assert.Contains(t, got, "task-001")
}

func TestDispatchSchemaValidation(t *testing.T) {
	d, _ := newTestDispatcher(t, "standard")
	call(t, d, "s1", "masc_init", nil, false)
	joinAs(t, d, "s1", "alice", "worker")

	got := call(t, d, "s1", "masc_add_task", map[string]any{"agent_name": "alice"}, true)
	assert.Contains(t, got, "invalid arguments for masc_add_task")
}

func TestDispatchClaimFlow(t *testing.T) {
	d, _ := newTestDispatcher(t, "standard")
	call(t, d, "s1", "masc_init", map[string]any{"project": "demo"}, false)
	joinAs(t, d, "s1", "alice", "worker")
	joinAs(t, d, "s2", "bob", "worker")

	call(t, d, "s1", "masc_add_task", map[string]any{
		"agent_name": "alice", "title": "contended", "priority": float64(2),
	}, false)

	// Both saw backlog version 1; alice wins the CAS.
	got := call(t, d, "s1", "masc_claim", map[string]any{
		"agent_name": "alice", "task_id": "task-001", "expected_version": float64(1),
	}, false)
	assert.Contains(t, got, "✅ task-001 todo → claimed by alice")

	got = call(t, d, "s2", "masc_claim", map[string]any{
		"agent_name": "bob", "task_id": "task-001", "expected_version": float64(1),
	}, true)
	assert.Contains(t, got, "Version mismatch (expected 1, got 2)")

	// Without the guard bob sees the claim conflict instead.
	got = call(t, d, "s2", "masc_claim", map[string]any{
		"agent_name": "bob", "task_id": "task-001",
	}, true)
	assert.Equal(t, "Task task-001 is already claimed by alice", got)

	got = call(t, d, "s1", "masc_transition", map[string]any{
		"agent_name": "alice", "task_id": "task-001", "action": "done", "notes": "shipped",
	}, false)
	assert.Contains(t, got, "🎉 task-001 claimed → done by alice")
}

func TestDispatchSessionIdentityFollowsJoin(t *testing.T) {
	d, _ := newTestDispatcher(t, "standard")
	call(t, d, "s1", "masc_init", nil, false)
	joinAs(t, d, "s1", "alice", "worker")

	// The same session without agent_name acts as the joined identity.
	call(t, d, "s1", "masc_add_task", map[string]any{"title": "own task"}, false)
	got := call(t, d, "s1", "masc_claim_next", nil, false)
	assert.Contains(t, got, "claimed by alice")

	got = call(t, d, "s1", "masc_my_task", nil, false)
	assert.Contains(t, got, "task-001")
}

func TestDispatchPauseBlocksTaskMutations(t *testing.T) {
	d, _ := newTestDispatcher(t, "standard")
	call(t, d, "s1", "masc_init", nil, false)
	joinAs(t, d, "s1", "boss", "admin")
	joinAs(t, d, "s2", "worker", "worker")
	call(t, d, "s2", "masc_add_task", map[string]any{"title": "before pause"}, false)

	got := call(t, d, "s1", "masc_pause", map[string]any{"reason": "deploy window"}, false)
	assert.Equal(t, "⏸️ Room paused", got)

	got = call(t, d, "s2", "masc_add_task", map[string]any{"title": "during pause"}, true)
	assert.Contains(t, got, "⏸️ Room is paused by boss (deploy window)")
	got = call(t, d, "s2", "masc_claim", map[string]any{"task_id": "task-001"}, true)
	assert.Contains(t, got, "Room is paused")

	// Reads still work while paused.
	got = call(t, d, "s2", "masc_status", nil, false)
	assert.Contains(t, got, "PAUSED")

	call(t, d, "s1", "masc_resume", nil, false)
	call(t, d, "s2", "masc_add_task", map[string]any{"title": "after resume"}, false)
}

func TestDispatchAdminGateWithAuthOn(t *testing.T) {
	// Full mode turns the auth category on, so pause demands the admin role.
	d, _ := newTestDispatcher(t, "full")
	call(t, d, "s1", "masc_init", nil, false)
	joinAs(t, d, "s1", "worker", "worker")

	got := call(t, d, "s1", "masc_pause", nil, true)
	assert.Contains(t, got, "admin")

	joinAs(t, d, "s2", "boss", "admin")
	call(t, d, "s2", "masc_pause", nil, false)
	call(t, d, "s2", "masc_resume", nil, false)
}

func TestDispatchStatusUninitialized(t *testing.T) {
	d, _ := newTestDispatcher(t, "standard")

	got := call(t, d, "s1", "masc_status", nil, false)
	assert.Contains(t, got, "Room not initialized")
}

func TestDispatchBroadcastAndRead(t *testing.T) {
	d, _ := newTestDispatcher(t, "standard")
	call(t, d, "s1", "masc_init", nil, false)
	joinAs(t, d, "s1", "alice", "worker")
	joinAs(t, d, "s2", "bob", "worker")

	call(t, d, "s1", "masc_broadcast", map[string]any{
		"agent_name": "alice", "content": "builds are green",
	}, false)
	call(t, d, "s2", "masc_mention", map[string]any{
		"agent_name": "bob", "target": "alice", "content": "ping",
	}, false)

	got := call(t, d, "s1", "masc_read_messages", nil, false)
	assert.Contains(t, got, "builds are green")
	assert.Contains(t, got, "ping")
}

func TestDispatchLockTools(t *testing.T) {
	d, _ := newTestDispatcher(t, "standard")
	call(t, d, "s1", "masc_init", nil, false)
	joinAs(t, d, "s1", "alice", "worker")
	joinAs(t, d, "s2", "bob", "worker")

	got := call(t, d, "s1", "masc_lock", map[string]any{
		"agent_name": "alice", "resource": "src/main.go",
	}, false)
	assert.Contains(t, got, "🔒 src/main.go locked by alice")

	got = call(t, d, "s2", "masc_lock", map[string]any{
		"agent_name": "bob", "resource": "src/main.go",
	}, true)
	assert.Equal(t, "src/main.go is locked by alice", got)

	got = call(t, d, "s2", "masc_unlock", map[string]any{
		"agent_name": "bob", "resource": "src/main.go",
	}, true)
	assert.Contains(t, got, "locked by alice")

	call(t, d, "s1", "masc_unlock", map[string]any{
		"agent_name": "alice", "resource": "src/main.go",
	}, false)
	got = call(t, d, "s2", "masc_lock", map[string]any{
		"agent_name": "bob", "resource": "src/main.go",
	}, false)
	assert.Contains(t, got, "locked by bob")
}

func TestDispatchPlanningTools(t *testing.T) {
	d, _ := newTestDispatcher(t, "standard")
	call(t, d, "s1", "masc_init", nil, false)
	joinAs(t, d, "s1", "alice", "worker")
	call(t, d, "s1", "masc_add_task", map[string]any{"title": "planned"}, false)

	call(t, d, "s1", "masc_plan_set", map[string]any{
		"task_id": "task-001", "plan": "1. survey\n2. build",
	}, false)
	call(t, d, "s1", "masc_note_add", map[string]any{
		"task_id": "task-001", "note": "survey done",
	}, false)
	call(t, d, "s1", "masc_error_log", map[string]any{
		"task_id": "task-001", "message": "flaky test", "type": "test",
	}, false)

	got := call(t, d, "s1", "masc_plan_get", map[string]any{"task_id": "task-001"}, false)
	assert.Contains(t, got, "1. survey")
	assert.Contains(t, got, "survey done")
	assert.Contains(t, got, "flaky test")

	call(t, d, "s1", "masc_error_resolve", map[string]any{
		"task_id": "task-001", "index": float64(0),
	}, false)
	got = call(t, d, "s1", "masc_error_resolve", map[string]any{
		"task_id": "task-001", "index": float64(9),
	}, true)
	assert.Contains(t, got, "out of range")
}

func TestDispatchVoting(t *testing.T) {
	d, _ := newTestDispatcher(t, "full")
	call(t, d, "s1", "masc_init", nil, false)
	joinAs(t, d, "s1", "alice", "worker")
	joinAs(t, d, "s2", "bob", "worker")

	got := call(t, d, "s1", "masc_vote_start", map[string]any{
		"agent_name": "alice", "topic": "merge strategy",
		"options": []any{"squash", "rebase"},
	}, false)
	assert.Contains(t, got, "vote-001")

	got = call(t, d, "s1", "masc_vote_start", map[string]any{
		"agent_name": "alice", "topic": "bad", "options": []any{"only-one"},
	}, true)
	assert.NotEmpty(t, got)

	call(t, d, "s2", "masc_vote_cast", map[string]any{
		"agent_name": "bob", "vote_id": "vote-001", "option": "squash",
	}, false)
	got = call(t, d, "s2", "masc_vote_cast", map[string]any{
		"agent_name": "bob", "vote_id": "vote-001", "option": "tarball",
	}, true)
	assert.NotEmpty(t, got)

	got = call(t, d, "s1", "masc_vote_status", map[string]any{"vote_id": "vote-001"}, false)
	assert.Contains(t, got, "merge strategy")
	assert.Contains(t, got, "squash")
}

func TestDispatchPanicContainment(t *testing.T) {
	d, _ := newTestDispatcher(t, "standard")
	d.tools["masc_boom"] = &toolEntry{
		tool:     d.tools["masc_status"].tool,
		category: features.Core,
		handler: func(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			panic("kaboom")
		},
	}
	d.toolOrder = append(d.toolOrder, "masc_boom")

	got := call(t, d, "s1", "masc_boom", nil, true)
	assert.Contains(t, got, "Internal error in masc_boom")
	assert.Contains(t, got, "kaboom")
}
