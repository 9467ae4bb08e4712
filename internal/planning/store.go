// Package planning persists per-task handover artifacts: plan, notes,
// errors, and deliverable. context.json is canonical; the markdown siblings
// are derived views rebuilt on every write.
package planning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/masc-dev/masc/internal/room"
)

// ErrorEntry is one logged error in a planning context.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Context   string    `json:"context,omitempty"`
	Resolved  bool      `json:"resolved"`
}

// Context is the canonical planning document for one task.
type Context struct {
	TaskID      string       `json:"task_id"`
	TaskPlan    string       `json:"task_plan,omitempty"`
	Notes       []string     `json:"notes,omitempty"`
	Errors      []ErrorEntry `json:"errors,omitempty"`
	Deliverable string       `json:"deliverable,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Store reads and writes planning contexts through the room store.
type Store struct {
	store *room.Store
}

// NewStore creates a planning store over the room store.
func NewStore(store *room.Store) *Store {
	return &Store{store: store}
}

func contextKey(taskID string) string { return "planning/" + taskID + "/context.json" }

func siblingKey(taskID, name string) string { return "planning/" + taskID + "/" + name }

// Get returns the planning context for taskID, or an empty one when none
// has been written yet. Missing markdown siblings are regenerated.
func (s *Store) Get(ctx context.Context, taskID string) (*Context, error) {
	if err := room.ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	var pc Context
	found, err := s.store.GetJSON(ctx, contextKey(taskID), &pc)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Context{TaskID: taskID}, nil
	}
	s.regenerateMissing(ctx, &pc)
	return &pc, nil
}

// mutate applies fn to the context under the context.json lock and rebuilds
// the markdown siblings from the result.
func (s *Store) mutate(ctx context.Context, taskID string, fn func(*Context) error) (*Context, error) {
	if err := room.ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	var out *Context
	err := s.store.WithLock(ctx, contextKey(taskID), func() error {
		var pc Context
		found, err := s.store.GetJSON(ctx, contextKey(taskID), &pc)
		if err != nil {
			return err
		}
		if !found {
			pc = Context{TaskID: taskID, CreatedAt: time.Now().UTC()}
		}
		if err := fn(&pc); err != nil {
			return err
		}
		pc.UpdatedAt = time.Now().UTC()
		if err := s.store.PutJSON(ctx, contextKey(taskID), &pc); err != nil {
			return err
		}
		s.writeSiblings(ctx, &pc)
		out = &pc
		return nil
	})
	return out, err
}

// SetPlan replaces the task plan.
func (s *Store) SetPlan(ctx context.Context, taskID, plan string) (*Context, error) {
	return s.mutate(ctx, taskID, func(pc *Context) error {
		pc.TaskPlan = plan
		return nil
	})
}

// AddNote appends one note.
func (s *Store) AddNote(ctx context.Context, taskID, note string) (*Context, error) {
	if strings.TrimSpace(note) == "" {
		return nil, room.NewValidationError("note must not be empty")
	}
	return s.mutate(ctx, taskID, func(pc *Context) error {
		pc.Notes = append(pc.Notes, note)
		return nil
	})
}

// LogError appends one error entry.
func (s *Store) LogError(ctx context.Context, taskID, errType, message, errCtx string) (*Context, error) {
	if strings.TrimSpace(message) == "" {
		return nil, room.NewValidationError("error message must not be empty")
	}
	return s.mutate(ctx, taskID, func(pc *Context) error {
		pc.Errors = append(pc.Errors, ErrorEntry{
			Timestamp: time.Now().UTC(),
			Type:      errType,
			Message:   message,
			Context:   errCtx,
		})
		return nil
	})
}

// ResolveError flips errors[index].resolved. Out-of-range indexes are a
// validation error.
func (s *Store) ResolveError(ctx context.Context, taskID string, index int) (*Context, error) {
	return s.mutate(ctx, taskID, func(pc *Context) error {
		if index < 0 || index >= len(pc.Errors) {
			return room.NewValidationError(
				"error index %d out of range (have %d)", index, len(pc.Errors))
		}
		pc.Errors[index].Resolved = true
		return nil
	})
}

// SetDeliverable replaces the deliverable text.
func (s *Store) SetDeliverable(ctx context.Context, taskID, deliverable string) (*Context, error) {
	return s.mutate(ctx, taskID, func(pc *Context) error {
		pc.Deliverable = deliverable
		return nil
	})
}

// writeSiblings renders the four markdown views. Failures are logged
// upstream by the store; the canonical JSON is already safe.
func (s *Store) writeSiblings(ctx context.Context, pc *Context) {
	_ = s.store.Backend().Set(ctx, siblingKey(pc.TaskID, "task_plan.md"), []byte(renderPlan(pc)))
	_ = s.store.Backend().Set(ctx, siblingKey(pc.TaskID, "notes.md"), []byte(renderNotes(pc)))
	_ = s.store.Backend().Set(ctx, siblingKey(pc.TaskID, "errors.md"), []byte(renderErrors(pc)))
	_ = s.store.Backend().Set(ctx, siblingKey(pc.TaskID, "deliverable.md"), []byte(renderDeliverable(pc)))
}

// regenerateMissing rebuilds any markdown sibling absent on disk, so a
// hand-deleted view recovers from the canonical JSON.
func (s *Store) regenerateMissing(ctx context.Context, pc *Context) {
	for _, name := range []string{"task_plan.md", "notes.md", "errors.md", "deliverable.md"} {
		_, found, err := s.store.Backend().Get(ctx, siblingKey(pc.TaskID, name))
		if err == nil && !found {
			s.writeSiblings(ctx, pc)
			return
		}
	}
}

func renderPlan(pc *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan — %s\n\n", pc.TaskID)
	if pc.TaskPlan == "" {
		b.WriteString("_No plan yet._\n")
	} else {
		b.WriteString(pc.TaskPlan)
		b.WriteString("\n")
	}
	return b.String()
}

func renderNotes(pc *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Notes — %s\n\n", pc.TaskID)
	for _, n := range pc.Notes {
		fmt.Fprintf(&b, "- %s\n", n)
	}
	if len(pc.Notes) == 0 {
		b.WriteString("_No notes yet._\n")
	}
	return b.String()
}

func renderErrors(pc *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Errors — %s\n\n", pc.TaskID)
	for i, e := range pc.Errors {
		mark := " "
		if e.Resolved {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %d. (%s) %s: %s\n", mark, i, e.Timestamp.Format(time.RFC3339), e.Type, e.Message)
		if e.Context != "" {
			fmt.Fprintf(&b, "      context: %s\n", e.Context)
		}
	}
	if len(pc.Errors) == 0 {
		b.WriteString("_No errors logged._\n")
	}
	return b.String()
}

func renderDeliverable(pc *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Deliverable — %s\n\n", pc.TaskID)
	if pc.Deliverable == "" {
		b.WriteString("_No deliverable yet._\n")
	} else {
		b.WriteString(pc.Deliverable)
		b.WriteString("\n")
	}
	return b.String()
}
