package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	fileLockDir   = ".masc/locks"
	filePubSubDir = ".masc/pubsub"
	tmpPrefix     = ".masc-tmp-"

	// A lock record younger than this that fails to parse is assumed to be
	// mid-write by its creator, not corrupt.
	lockWriteGrace = 2 * time.Second
)

// FileBackend persists values as files under a root directory. Mutations use
// atomic rewrite (temp file, fsync, rename); advisory locks are exclusive
// lock-record files with a TTL honored on observation; pub/sub is a polled
// per-channel spool directory.
type FileBackend struct {
	root         string
	codec        Codec
	pollInterval time.Duration
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithCodec sets the at-rest codec. Defaults to identity.
func WithCodec(c Codec) FileOption {
	return func(b *FileBackend) { b.codec = c }
}

// WithPollInterval sets the pub/sub poll interval. Defaults to 200ms.
func WithPollInterval(d time.Duration) FileOption {
	return func(b *FileBackend) { b.pollInterval = d }
}

// NewFileBackend creates a file backend rooted at root, creating the
// directory if needed.
func NewFileBackend(root string, opts ...FileOption) (*FileBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	b := &FileBackend{
		root:         abs,
		codec:        IdentityCodec{},
		pollInterval: 200 * time.Millisecond,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Root returns the backend's absolute root directory.
func (b *FileBackend) Root() string {
	return b.root
}

func (b *FileBackend) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	p := filepath.Join(b.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(b.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrBadKey
	}
	return p, nil
}

func (b *FileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	plain, err := b.codec.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return plain, true, nil
}

func (b *FileBackend) Set(_ context.Context, key string, value []byte) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	stored, err := b.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return atomicWrite(p, stored)
}

// atomicWrite replaces path with data via temp file, fsync, rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *FileBackend) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// lockPath maps an arbitrary lock key to a stable record path. The readable
// portion keeps diagnostics greppable; the hash suffix keeps distinct keys
// from colliding after sanitization.
func (b *FileBackend) lockPath(key string) string {
	sum := sha1.Sum([]byte(key))
	safe := sanitizeName(key)
	if len(safe) > 80 {
		safe = safe[:80]
	}
	name := fmt.Sprintf("%s-%s.json", safe, hex.EncodeToString(sum[:4]))
	return filepath.Join(b.root, filepath.FromSlash(fileLockDir), name)
}

func sanitizeName(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func (b *FileBackend) AcquireLock(_ context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	lp := b.lockPath(key)
	if err := os.MkdirAll(filepath.Dir(lp), 0755); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}
	now := time.Now().UTC()
	rec := LockRecord{Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(lp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			if _, werr := f.Write(data); werr != nil {
				f.Close()
				os.Remove(lp)
				return false, fmt.Errorf("write lock record: %w", werr)
			}
			if serr := f.Sync(); serr != nil {
				f.Close()
				os.Remove(lp)
				return false, fmt.Errorf("sync lock record: %w", serr)
			}
			if cerr := f.Close(); cerr != nil {
				os.Remove(lp)
				return false, fmt.Errorf("close lock record: %w", cerr)
			}
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, fmt.Errorf("create lock: %w", err)
		}

		existing, stale, rerr := readLockRecord(lp)
		if rerr != nil {
			return false, rerr
		}
		switch {
		case existing == nil:
			// Holder vanished between create and read; try again.
			continue
		case stale:
			// Expired or abandoned: reap and retry.
			os.Remove(lp)
			continue
		case existing.Owner == owner:
			// Re-acquire by the same owner extends the TTL.
			if err := atomicWrite(lp, data); err != nil {
				return false, err
			}
			return true, nil
		default:
			return false, nil
		}
	}
	return false, nil
}

// readLockRecord loads a lock record. stale=true means the record is expired
// or corrupt beyond the write grace window and may be reaped.
func readLockRecord(lp string) (rec *LockRecord, stale bool, err error) {
	data, err := os.ReadFile(lp)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read lock: %w", err)
	}
	var r LockRecord
	if jerr := json.Unmarshal(data, &r); jerr != nil {
		info, serr := os.Stat(lp)
		if serr != nil {
			return nil, false, nil
		}
		if time.Since(info.ModTime()) < lockWriteGrace {
			// Probably mid-write by its creator.
			return &LockRecord{Owner: "unknown"}, false, nil
		}
		return &LockRecord{}, true, nil
	}
	if r.Expired(time.Now().UTC()) {
		return &r, true, nil
	}
	return &r, false, nil
}

func (b *FileBackend) ReleaseLock(_ context.Context, key, owner string) (bool, error) {
	lp := b.lockPath(key)
	rec, stale, err := readLockRecord(lp)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if stale {
		os.Remove(lp)
		return false, nil
	}
	if rec.Owner != owner {
		return false, nil
	}
	if err := os.Remove(lp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove lock: %w", err)
	}
	return true, nil
}

func (b *FileBackend) LockOwner(_ context.Context, key string) (string, bool, error) {
	rec, stale, err := readLockRecord(b.lockPath(key))
	if err != nil {
		return "", false, err
	}
	if rec == nil || stale {
		return "", false, nil
	}
	return rec.Owner, true, nil
}

func (b *FileBackend) channelDir(channel string) string {
	return filepath.Join(b.root, filepath.FromSlash(filePubSubDir), sanitizeName(channel))
}

func (b *FileBackend) Publish(_ context.Context, channel string, payload []byte) error {
	dir := b.channelDir(channel)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create channel dir: %w", err)
	}
	name := fmt.Sprintf("%020d_%s.json", time.Now().UnixNano(), uuid.NewString()[:8])
	return atomicWrite(filepath.Join(dir, name), payload)
}

func (b *FileBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	dir := b.channelDir(channel)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create channel dir: %w", err)
	}

	// Existing spool entries predate this subscriber: no replay.
	seen := make(map[string]bool)
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			seen[e.Name()] = true
		}
	}

	out := make(chan []byte, 64)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				if !e.IsDir() && !seen[e.Name()] {
					names = append(names, e.Name())
				}
			}
			sort.Strings(names)
			for _, name := range names {
				seen[name] = true
				payload, err := os.ReadFile(filepath.Join(dir, name))
				if err != nil {
					continue
				}
				select {
				case out <- payload:
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }
	return out, cancel, nil
}

func (b *FileBackend) CleanupPubSub(_ context.Context, maxAge time.Duration, maxMessages int) (int, error) {
	base := filepath.Join(b.root, filepath.FromSlash(filePubSubDir))
	channels, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read pubsub dir: %w", err)
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, ch := range channels {
		if !ch.IsDir() {
			continue
		}
		dir := filepath.Join(base, ch.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		var survivors []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if maxAge > 0 && info.ModTime().Before(cutoff) {
				if os.Remove(filepath.Join(dir, e.Name())) == nil {
					removed++
				}
				continue
			}
			survivors = append(survivors, e.Name())
		}
		if maxMessages > 0 && len(survivors) > maxMessages {
			sort.Strings(survivors)
			for _, name := range survivors[:len(survivors)-maxMessages] {
				if os.Remove(filepath.Join(dir, name)) == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}

func (b *FileBackend) Close() error {
	return nil
}
