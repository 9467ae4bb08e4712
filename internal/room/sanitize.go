package room

import (
	"strings"

	"github.com/masc-dev/masc/internal/storage"
)

// MaxMessageRunes clamps message content length.
const MaxMessageRunes = 4000

// SanitizeContent strips control bytes (keeping newline and tab) and clamps
// the result to MaxMessageRunes runes.
func SanitizeContent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if (r < 0x20 && r != '\n' && r != '\t') || r == 0x7f {
			continue
		}
		if n >= MaxMessageRunes {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// ValidateResource checks a lock resource, cache key, or similar
// user-supplied identifier: relative, no traversal, no control bytes, and
// confined to the room base.
func ValidateResource(resource string) error {
	if resource == "" {
		return NewValidationError("resource name must not be empty")
	}
	if err := storage.ValidateKey(resource); err != nil {
		return NewValidationError("invalid resource name: %s", resource)
	}
	return nil
}

// ValidateTaskID checks the task-NNN id shape.
func ValidateTaskID(id string) error {
	if !strings.HasPrefix(id, "task-") || len(id) < len("task-1") {
		return NewValidationError("invalid task id: %s (expected task-NNN)", id)
	}
	for _, r := range id[len("task-"):] {
		if r < '0' || r > '9' {
			return NewValidationError("invalid task id: %s (expected task-NNN)", id)
		}
	}
	return nil
}
