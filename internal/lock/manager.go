// Package lock implements TTL advisory resource locks with owner
// attribution, layered over the storage backend's lock primitives.
package lock

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/storage"
)

const (
	lockKeyPrefix = "locks:"

	// indexKey is a best-effort catalog of live lock records. Mutual
	// exclusion comes from the backend locks; the index only serves
	// listing and owner display.
	indexKey = ".masc/resource-locks.json"

	// TTL bounds: a lock lives at least one second and at most an hour.
	MinTTL     = 1 * time.Second
	MaxTTL     = 1 * time.Hour
	DefaultTTL = 5 * time.Minute
)

// Record is the JSON record returned to a successful acquirer.
type Record struct {
	Resource   string    `json:"resource"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Manager wraps the backend's advisory locks under locks:<resource> keys.
type Manager struct {
	backend storage.Backend
}

// NewManager creates a lock manager over backend.
func NewManager(backend storage.Backend) *Manager {
	return &Manager{backend: backend}
}

// ClampTTL folds a requested TTL into the allowed range; zero means the
// default.
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return DefaultTTL
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	default:
		return ttl
	}
}

// Acquire takes the lock on resource for owner. A lock held by a live other
// owner returns FileLocked naming the holder.
func (m *Manager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Record, error) {
	if err := room.ValidateResource(resource); err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, room.NewValidationError("lock owner must not be empty")
	}
	ttl = ClampTTL(ttl)
	key := lockKeyPrefix + resource
	ok, err := m.backend.AcquireLock(ctx, key, ttl, owner)
	if err != nil {
		return nil, room.NewIOError("lock acquire failed", err)
	}
	if !ok {
		by, found, err := m.backend.LockOwner(ctx, key)
		if err != nil || !found {
			by = "unknown"
		}
		return nil, room.NewFileLocked(resource, by)
	}
	now := time.Now().UTC()
	rec := &Record{
		Resource:   resource,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.updateIndex(ctx, func(idx map[string]Record) {
		idx[resource] = *rec
	})
	return rec, nil
}

// Release drops the lock on resource when held by owner. Absent locks are
// FileNotLocked; locks held by someone else are FileLocked naming them.
func (m *Manager) Release(ctx context.Context, resource, owner string) error {
	if err := room.ValidateResource(resource); err != nil {
		return err
	}
	key := lockKeyPrefix + resource
	by, found, err := m.backend.LockOwner(ctx, key)
	if err != nil {
		return room.NewIOError("lock inspect failed", err)
	}
	if !found {
		return room.NewFileNotLocked(resource)
	}
	if by != owner {
		return room.NewFileLocked(resource, by)
	}
	released, err := m.backend.ReleaseLock(ctx, key, owner)
	if err != nil {
		return room.NewIOError("lock release failed", err)
	}
	if !released {
		// The record expired between the inspect and the release.
		return room.NewFileNotLocked(resource)
	}
	m.updateIndex(ctx, func(idx map[string]Record) {
		delete(idx, resource)
	})
	return nil
}

// Holder reports the live owner of resource, if any.
func (m *Manager) Holder(ctx context.Context, resource string) (string, bool, error) {
	if err := room.ValidateResource(resource); err != nil {
		return "", false, err
	}
	by, found, err := m.backend.LockOwner(ctx, lockKeyPrefix+resource)
	if err != nil {
		return "", false, room.NewIOError("lock inspect failed", err)
	}
	return by, found, nil
}

// List reports every live lock, sorted by resource. Index entries whose
// backend lock has expired or changed hands are dropped on observation.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	raw, found, err := m.backend.Get(ctx, indexKey)
	if err != nil {
		return nil, room.NewIOError("lock list failed", err)
	}
	idx := make(map[string]Record)
	if found {
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, room.NewInvalidJSON(indexKey, err)
		}
	}
	records := make([]Record, 0, len(idx))
	for resource, rec := range idx {
		by, live, err := m.backend.LockOwner(ctx, lockKeyPrefix+resource)
		if err != nil || !live || by != rec.Owner {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Resource < records[j].Resource })
	return records, nil
}

// updateIndex applies fn to the lock index under its own advisory lock.
// Failures are swallowed: the index is advisory display state.
func (m *Manager) updateIndex(ctx context.Context, fn func(map[string]Record)) {
	ok, err := m.backend.AcquireLock(ctx, indexKey+".lock", 5*time.Second, "lock-index")
	if err != nil || !ok {
		return
	}
	defer m.backend.ReleaseLock(ctx, indexKey+".lock", "lock-index")

	idx := make(map[string]Record)
	if raw, found, err := m.backend.Get(ctx, indexKey); err == nil && found {
		_ = json.Unmarshal(raw, &idx)
	}
	fn(idx)
	if raw, err := json.Marshal(idx); err == nil {
		_ = m.backend.Set(ctx, indexKey, raw)
	}
}
