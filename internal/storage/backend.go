// Package storage defines the key/value + advisory lock + pub/sub contract
// the room persists through, with file, Redis, and Postgres backends.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Backend is the narrow persistence contract the room consumes. Keys are
// slash-separated relative paths (".masc/state.json" style); values are
// opaque bytes (JSON documents at every current call site).
type Backend interface {
	// Get returns the value for key, with found=false when absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, atomically replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// AcquireLock is an atomic test-and-set on an advisory lock. It returns
	// false when another live (non-expired) owner holds the lock.
	AcquireLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error)
	// ReleaseLock releases the lock when held by owner. Idempotent: it
	// returns false, without error, when the lock is absent or held by
	// someone else.
	ReleaseLock(ctx context.Context, key, owner string) (bool, error)
	// LockOwner reports the current live owner of the lock, if any.
	LockOwner(ctx context.Context, key string) (string, bool, error)

	// Publish sends payload to channel, best-effort at-most-once.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of payloads and a cancel function.
	// Replay and reconnection are the subscriber's responsibility.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
	// CleanupPubSub prunes retained pub/sub data older than maxAge or
	// beyond maxMessages per channel, returning the number removed.
	// Backends with no retention return 0.
	CleanupPubSub(ctx context.Context, maxAge time.Duration, maxMessages int) (int, error)

	Close() error
}

// LockRecord is the owner attribution stored behind an advisory lock.
type LockRecord struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its TTL at now.
func (r LockRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Codec transforms values at rest. The default is identity; an encrypting
// codec is an external collaborator plugged in by the embedder.
type Codec interface {
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// IdentityCodec stores values verbatim.
type IdentityCodec struct{}

func (IdentityCodec) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (IdentityCodec) Decode(stored []byte) ([]byte, error) { return stored, nil }

// ErrBadKey rejects keys that could escape the backend's root or embed
// unprintable bytes.
var ErrBadKey = errors.New("storage: invalid key")

// ValidateKey enforces the key shape shared by all backends: relative,
// slash-separated, no traversal, no control bytes.
func ValidateKey(key string) error {
	if key == "" || len(key) > 512 {
		return ErrBadKey
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") {
		return ErrBadKey
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return ErrBadKey
		}
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return ErrBadKey
		}
	}
	return nil
}
