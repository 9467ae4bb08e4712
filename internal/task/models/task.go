// Package models defines the task data model: the backlog document, the
// task status variant, and the pure state-machine rules the engine enforces.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/masc-dev/masc/internal/room"
)

// StatusState names the five task states.
type StatusState string

const (
	StateTodo       StatusState = "todo"
	StateClaimed    StatusState = "claimed"
	StateInProgress StatusState = "in_progress"
	StateDone       StatusState = "done"
	StateCancelled  StatusState = "cancelled"
)

// Action names the five transitions.
type Action string

const (
	ActionClaim   Action = "claim"
	ActionStart   Action = "start"
	ActionDone    Action = "done"
	ActionRelease Action = "release"
	ActionCancel  Action = "cancel"
)

// ParseAction validates an action string from tool arguments.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionClaim, ActionStart, ActionDone, ActionRelease, ActionCancel:
		return Action(s), nil
	default:
		return "", room.NewValidationError(
			"invalid action: %q (expected claim, start, done, release, or cancel)", s)
	}
}

// Status is the tagged task-status variant, encoded as a flat JSON object
// with a lowercase state discriminator and per-state payload fields.
type Status struct {
	State       StatusState `json:"state"`
	Assignee    string      `json:"assignee,omitempty"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	CancelledAt *time.Time  `json:"cancelled_at,omitempty"`
	CancelledBy string      `json:"cancelled_by,omitempty"`
	Notes       string      `json:"notes,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Open reports whether the task still needs work (not done, not cancelled).
func (s Status) Open() bool {
	return s.State != StateDone && s.State != StateCancelled
}

// Task is one backlog entry.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    int       `json:"priority"`
	Status      Status    `json:"task_status"`
	CreatedAt   time.Time `json:"created_at"`
	Worktree    string    `json:"worktree,omitempty"`
}

// EffectivePriority ages the nominal priority down one level per 24 hours,
// floored at 1, so old low-priority tasks cannot starve forever.
func (t *Task) EffectivePriority(now time.Time) int {
	age := now.Sub(t.CreatedAt)
	if age < 0 {
		age = 0
	}
	eff := t.Priority - int(age.Hours()/24)
	if eff < 1 {
		eff = 1
	}
	return eff
}

// Backlog is the room's single versioned task document. Version increments
// by exactly one on every mutation.
type Backlog struct {
	Tasks       []Task    `json:"tasks"`
	LastUpdated time.Time `json:"last_updated"`
	Version     int64     `json:"version"`
}

// Find returns a pointer into the backlog for the task with id, or nil.
func (b *Backlog) Find(id string) *Task {
	for i := range b.Tasks {
		if b.Tasks[i].ID == id {
			return &b.Tasks[i]
		}
	}
	return nil
}

// Archive is the append-only store of tasks removed from the backlog.
// Archived ids still count toward the next task number so ids never recur.
type Archive struct {
	Tasks []Task `json:"tasks"`
}

// FormatID renders a task number as task-NNN (three digits minimum).
func FormatID(n int) string {
	return fmt.Sprintf("task-%03d", n)
}

// IDNumber extracts the numeric part of a task-NNN id, or 0.
func IDNumber(id string) int {
	rest, ok := strings.CutPrefix(id, "task-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return n
}

// NextID computes the next dense task number over the backlog and archive.
func NextID(backlog *Backlog, archive *Archive) int {
	max := 0
	for _, t := range backlog.Tasks {
		if n := IDNumber(t.ID); n > max {
			max = n
		}
	}
	if archive != nil {
		for _, t := range archive.Tasks {
			if n := IDNumber(t.ID); n > max {
				max = n
			}
		}
	}
	return max + 1
}

// Transition applies action by agent to the task's status, enforcing the
// state machine and the ownership rule. notes attaches to done; reason to
// cancel. The task is mutated only when the transition is legal.
func (t *Task) Transition(action Action, agent string, now time.Time, notes, reason string) error {
	cur := t.Status
	invalid := func() error {
		return room.NewTaskInvalidState(
			"Task %s is %s; cannot %s", t.ID, describeStatus(cur), action)
	}
	requireOwner := func() error {
		if cur.Assignee != agent {
			return room.NewTaskInvalidState(
				"Task %s is %s; only %s can %s it",
				t.ID, describeStatus(cur), cur.Assignee, action)
		}
		return nil
	}

	switch action {
	case ActionClaim:
		if cur.State != StateTodo {
			if cur.State == StateClaimed || cur.State == StateInProgress {
				return room.NewTaskAlreadyClaimed(t.ID, cur.Assignee)
			}
			return invalid()
		}
		t.Status = Status{State: StateClaimed, Assignee: agent, ClaimedAt: ptr(now)}

	case ActionStart:
		if cur.State != StateClaimed {
			return invalid()
		}
		if err := requireOwner(); err != nil {
			return err
		}
		t.Status = Status{State: StateInProgress, Assignee: agent, StartedAt: ptr(now)}

	case ActionRelease:
		if cur.State != StateClaimed && cur.State != StateInProgress {
			return invalid()
		}
		if err := requireOwner(); err != nil {
			return err
		}
		t.Status = Status{State: StateTodo}

	case ActionDone:
		if cur.State != StateClaimed && cur.State != StateInProgress {
			return invalid()
		}
		if err := requireOwner(); err != nil {
			return err
		}
		t.Status = Status{State: StateDone, Assignee: agent, CompletedAt: ptr(now), Notes: notes}

	case ActionCancel:
		switch cur.State {
		case StateTodo:
			// Anyone may cancel an unclaimed task.
		case StateClaimed, StateInProgress:
			if err := requireOwner(); err != nil {
				return err
			}
		default:
			return invalid()
		}
		t.Status = Status{State: StateCancelled, CancelledBy: agent, CancelledAt: ptr(now), Reason: reason}

	default:
		return room.NewValidationError("invalid action: %q", action)
	}
	return nil
}

func describeStatus(s Status) string {
	switch s.State {
	case StateClaimed:
		return fmt.Sprintf("claimed by %s", s.Assignee)
	case StateInProgress:
		return fmt.Sprintf("in progress (assignee %s)", s.Assignee)
	default:
		return string(s.State)
	}
}

func ptr(t time.Time) *time.Time { return &t }
