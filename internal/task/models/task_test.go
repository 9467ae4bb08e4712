package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masc-dev/masc/internal/room"
)

func newTask(state StatusState, assignee string) Task {
	return Task{
		ID:        "task-001",
		Title:     "wire the thing",
		Priority:  3,
		Status:    Status{State: state, Assignee: assignee},
		CreatedAt: time.Now().UTC(),
	}
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"claim", "start", "done", "release", "cancel"} {
		a, err := ParseAction(s)
		require.NoError(t, err)
		assert.Equal(t, Action(s), a)
	}

	_, err := ParseAction("finish")
	assert.Equal(t, room.KindValidation, room.KindOf(err))
}

func TestTransitionHappyPath(t *testing.T) {
	now := time.Now().UTC()
	task := newTask(StateTodo, "")

	require.NoError(t, task.Transition(ActionClaim, "alice", now, "", ""))
	assert.Equal(t, StateClaimed, task.Status.State)
	assert.Equal(t, "alice", task.Status.Assignee)
	require.NotNil(t, task.Status.ClaimedAt)

	require.NoError(t, task.Transition(ActionStart, "alice", now, "", ""))
	assert.Equal(t, StateInProgress, task.Status.State)

	require.NoError(t, task.Transition(ActionDone, "alice", now, "all green", ""))
	assert.Equal(t, StateDone, task.Status.State)
	assert.Equal(t, "all green", task.Status.Notes)
	assert.False(t, task.Status.Open())
}

func TestTransitionClaimConflict(t *testing.T) {
	now := time.Now().UTC()
	task := newTask(StateClaimed, "alice")

	err := task.Transition(ActionClaim, "bob", now, "", "")
	assert.Equal(t, room.KindTaskClaimed, room.KindOf(err))
	// The losing claim must not touch the status.
	assert.Equal(t, "alice", task.Status.Assignee)
}

func TestTransitionOwnershipRule(t *testing.T) {
	now := time.Now().UTC()

	for _, action := range []Action{ActionStart, ActionDone, ActionRelease} {
		task := newTask(StateClaimed, "alice")
		err := task.Transition(action, "bob", now, "", "")
		assert.Equal(t, room.KindTaskInvalidState, room.KindOf(err), "action %s", action)
		assert.Equal(t, StateClaimed, task.Status.State)
	}
}

func TestTransitionRelease(t *testing.T) {
	now := time.Now().UTC()
	task := newTask(StateInProgress, "alice")

	require.NoError(t, task.Transition(ActionRelease, "alice", now, "", ""))
	assert.Equal(t, StateTodo, task.Status.State)
	assert.Empty(t, task.Status.Assignee, "release clears the assignee")
}

func TestTransitionCancel(t *testing.T) {
	now := time.Now().UTC()

	// Anyone may cancel an unclaimed task.
	task := newTask(StateTodo, "")
	require.NoError(t, task.Transition(ActionCancel, "bob", now, "", "obsolete"))
	assert.Equal(t, StateCancelled, task.Status.State)
	assert.Equal(t, "bob", task.Status.CancelledBy)
	assert.Equal(t, "obsolete", task.Status.Reason)

	// A claimed task only by its owner.
	task = newTask(StateClaimed, "alice")
	err := task.Transition(ActionCancel, "bob", now, "", "")
	assert.Equal(t, room.KindTaskInvalidState, room.KindOf(err))
	require.NoError(t, task.Transition(ActionCancel, "alice", now, "", ""))

	// Terminal states reject every action.
	for _, action := range []Action{ActionClaim, ActionStart, ActionDone, ActionRelease, ActionCancel} {
		done := newTask(StateDone, "alice")
		err := done.Transition(action, "alice", now, "", "")
		require.Error(t, err, "action %s on done task", action)
	}
}

func TestEffectivePriority(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name     string
		priority int
		age      time.Duration
		want     int
	}{
		{"fresh", 5, 0, 5},
		{"under a day", 5, 23 * time.Hour, 5},
		{"one day", 5, 24 * time.Hour, 4},
		{"three days", 5, 72 * time.Hour, 2},
		{"floors at one", 5, 30 * 24 * time.Hour, 1},
		{"already one", 1, 72 * time.Hour, 1},
		{"future created_at clamps", 3, -time.Hour, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := Task{Priority: tt.priority, CreatedAt: now.Add(-tt.age)}
			assert.Equal(t, tt.want, task.EffectivePriority(now))
		})
	}
}

func TestIDFormatting(t *testing.T) {
	assert.Equal(t, "task-001", FormatID(1))
	assert.Equal(t, "task-042", FormatID(42))
	assert.Equal(t, "task-1000", FormatID(1000))

	assert.Equal(t, 42, IDNumber("task-042"))
	assert.Equal(t, 0, IDNumber("bug-042"))
	assert.Equal(t, 0, IDNumber("task-xyz"))
}

func TestNextIDCountsArchive(t *testing.T) {
	backlog := &Backlog{Tasks: []Task{{ID: "task-002"}}}
	archive := &Archive{Tasks: []Task{{ID: "task-007"}}}

	assert.Equal(t, 8, NextID(backlog, archive), "archived ids still reserve their numbers")
	assert.Equal(t, 3, NextID(backlog, nil))
	assert.Equal(t, 1, NextID(&Backlog{}, nil))
}

func TestBacklogFind(t *testing.T) {
	b := &Backlog{Tasks: []Task{{ID: "task-001"}, {ID: "task-002"}}}

	got := b.Find("task-002")
	require.NotNil(t, got)
	got.Title = "edited"
	assert.Equal(t, "edited", b.Tasks[1].Title, "Find returns a pointer into the backlog")

	assert.Nil(t, b.Find("task-099"))
}
