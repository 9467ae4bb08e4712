package room

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies domain errors so the dispatcher can map them to
// stable user-visible messages without string matching.
type ErrorKind string

const (
	KindNotInitialized   ErrorKind = "not_initialized"
	KindValidation       ErrorKind = "validation"
	KindTaskNotFound     ErrorKind = "task_not_found"
	KindTaskClaimed      ErrorKind = "task_already_claimed"
	KindTaskNotClaimed   ErrorKind = "task_not_claimed"
	KindTaskInvalidState ErrorKind = "task_invalid_state"
	KindAgentNotFound    ErrorKind = "agent_not_found"
	KindFileLocked       ErrorKind = "file_locked"
	KindFileNotLocked    ErrorKind = "file_not_locked"
	KindInvalidJSON      ErrorKind = "invalid_json"
	KindIO               ErrorKind = "io"
	KindRateLimited      ErrorKind = "rate_limited"
	KindAuthFailed       ErrorKind = "auth_failed"
	KindAuthForbidden    ErrorKind = "auth_forbidden"
	KindCancelled        ErrorKind = "cancelled"
	KindTimeout          ErrorKind = "timeout"
)

// Error is the domain error type shared by the room store, task engine,
// lock manager, planning store, and session registry. Core operations
// return it as a value; the dispatcher maps it to a tool error message.
type Error struct {
	Kind     ErrorKind
	Detail   string
	Resource string        // task id, lock resource, agent name, file
	Owner    string        // holding/blamed party where relevant
	Wait     time.Duration // retry hint for rate limiting
	Err      error         // wrapped cause
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotInitialized:
		return "Room not initialized. Run masc_init first."
	case KindValidation:
		return e.Detail
	case KindTaskNotFound:
		return fmt.Sprintf("Task %s not found", e.Resource)
	case KindTaskClaimed:
		return fmt.Sprintf("Task %s is already claimed by %s", e.Resource, e.Owner)
	case KindTaskNotClaimed:
		return fmt.Sprintf("Task %s is not claimed", e.Resource)
	case KindTaskInvalidState:
		return e.Detail
	case KindAgentNotFound:
		return fmt.Sprintf("Agent %s not found", e.Resource)
	case KindFileLocked:
		return fmt.Sprintf("%s is locked by %s", e.Resource, e.Owner)
	case KindFileNotLocked:
		return fmt.Sprintf("%s is not locked", e.Resource)
	case KindInvalidJSON:
		return fmt.Sprintf("Invalid JSON: %s", e.Detail)
	case KindIO:
		return fmt.Sprintf("IO error: %s", e.Detail)
	case KindRateLimited:
		return fmt.Sprintf("Rate limit exceeded. Retry in %.0fs", e.Wait.Seconds())
	case KindAuthFailed:
		return "Authentication required"
	case KindAuthForbidden:
		return "Insufficient role for this operation"
	case KindCancelled:
		return "Operation cancelled"
	case KindTimeout:
		return "Operation timed out"
	default:
		return e.Detail
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, room.ErrTaskNotFound) without holding the exact value.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Kind sentinels for errors.Is checks.
var (
	ErrNotInitialized   = &Error{Kind: KindNotInitialized}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrTaskNotFound     = &Error{Kind: KindTaskNotFound}
	ErrTaskClaimed      = &Error{Kind: KindTaskClaimed}
	ErrTaskNotClaimed   = &Error{Kind: KindTaskNotClaimed}
	ErrTaskInvalidState = &Error{Kind: KindTaskInvalidState}
	ErrAgentNotFound    = &Error{Kind: KindAgentNotFound}
	ErrFileLocked       = &Error{Kind: KindFileLocked}
	ErrFileNotLocked    = &Error{Kind: KindFileNotLocked}
	ErrInvalidJSON      = &Error{Kind: KindInvalidJSON}
	ErrIO               = &Error{Kind: KindIO}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrAuthFailed       = &Error{Kind: KindAuthFailed}
	ErrAuthForbidden    = &Error{Kind: KindAuthForbidden}
	ErrCancelled        = &Error{Kind: KindCancelled}
	ErrTimeout          = &Error{Kind: KindTimeout}
)

// NewNotInitialized reports that the room has no state file yet.
func NewNotInitialized() *Error {
	return &Error{Kind: KindNotInitialized}
}

// NewValidationError reports a bad id shape, path, or argument.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Detail: fmt.Sprintf(format, args...)}
}

// NewTaskNotFound reports a missing task id.
func NewTaskNotFound(taskID string) *Error {
	return &Error{Kind: KindTaskNotFound, Resource: taskID}
}

// NewTaskAlreadyClaimed reports a claim on a task held by another agent.
func NewTaskAlreadyClaimed(taskID, by string) *Error {
	return &Error{Kind: KindTaskClaimed, Resource: taskID, Owner: by}
}

// NewTaskNotClaimed reports an owner-only action on an unclaimed task.
func NewTaskNotClaimed(taskID string) *Error {
	return &Error{Kind: KindTaskNotClaimed, Resource: taskID}
}

// NewTaskInvalidState reports an illegal state-machine transition. The
// detail carries a human-readable current-state → action summary.
func NewTaskInvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindTaskInvalidState, Detail: fmt.Sprintf(format, args...)}
}

// NewVersionMismatch reports a failed compare-and-set on the backlog.
func NewVersionMismatch(expected, got int64) *Error {
	return &Error{
		Kind:   KindTaskInvalidState,
		Detail: fmt.Sprintf("Version mismatch (expected %d, got %d)", expected, got),
	}
}

// NewAgentNotFound reports a missing agent record.
func NewAgentNotFound(name string) *Error {
	return &Error{Kind: KindAgentNotFound, Resource: name}
}

// NewFileLocked reports a lock held by another owner.
func NewFileLocked(resource, by string) *Error {
	if by == "" {
		by = "unknown"
	}
	return &Error{Kind: KindFileLocked, Resource: resource, Owner: by}
}

// NewFileNotLocked reports a release on a lock that does not exist.
func NewFileNotLocked(resource string) *Error {
	return &Error{Kind: KindFileNotLocked, Resource: resource}
}

// NewInvalidJSON reports an unparseable persisted document.
func NewInvalidJSON(detail string, cause error) *Error {
	return &Error{Kind: KindInvalidJSON, Detail: detail, Err: cause}
}

// NewIOError reports a persistence failure.
func NewIOError(detail string, cause error) *Error {
	return &Error{Kind: KindIO, Detail: detail, Err: cause}
}

// NewRateLimited reports token exhaustion with a retry hint.
func NewRateLimited(wait time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Wait: wait}
}

// NewAuthForbidden reports an operation above the caller's role.
func NewAuthForbidden() *Error {
	return &Error{Kind: KindAuthForbidden}
}

// NewCancelled reports cooperative cancellation.
func NewCancelled() *Error {
	return &Error{Kind: KindCancelled}
}

// NewTimeout reports a deadline expiry.
func NewTimeout() *Error {
	return &Error{Kind: KindTimeout}
}

// KindOf returns the domain kind of err, or the empty kind for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
