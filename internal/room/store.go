package room

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/storage"
)

// Canonical document keys under the room base.
const (
	StateKey   = ".masc/state.json"
	BacklogKey = ".masc/backlog.json"
	ArchiveKey = ".masc/tasks-archive.json"
	VotesKey   = ".masc/votes.json"
	AuditKey   = ".masc/audit.log"
	RoomsKey   = ".masc/rooms.json"

	CurrentTaskKey = ".masc/current_task"
	CurrentRoomKey = ".masc/current_room"

	agentsPrefix   = ".masc/agents/"
	messagesPrefix = ".masc/messages/"
	cachePrefix    = ".masc/cache/"
	sessionsPrefix = ".masc/sessions/"
)

const (
	// documentLockTTL bounds how long a crashed writer can wedge a document.
	documentLockTTL = 30 * time.Second
	lockRetryDelay  = 25 * time.Millisecond
)

// Store exposes typed readers and writers for the room's documents. All
// mutations go through WithLock + atomic backend writes; no caller touches
// the backend keys directly.
type Store struct {
	backend storage.Backend
	base    string
	log     *logger.Logger
}

// NewStore creates a store over backend. base is the room's filesystem base
// path (used only for display; the backend already roots its keys there).
func NewStore(backend storage.Backend, base string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{backend: backend, base: base, log: log.WithRoom(base)}
}

// Base returns the room base path.
func (s *Store) Base() string { return s.base }

// Backend exposes the underlying backend for subsystems (task engine, lock
// manager) that need its advisory-lock primitives directly.
func (s *Store) Backend() storage.Backend { return s.backend }

// WithLock runs fn while holding the exclusive advisory lock for key,
// retrying acquisition until ctx is done. The lock is released on every
// exit path, including panics inside fn.
func (s *Store) WithLock(ctx context.Context, key string, fn func() error) error {
	owner := uuid.NewString()
	lockKey := key + ".lock"
	for {
		ok, err := s.backend.AcquireLock(ctx, lockKey, documentLockTTL, owner)
		if err != nil {
			return NewIOError("lock acquire failed", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return NewTimeout()
			}
			return NewCancelled()
		case <-time.After(lockRetryDelay):
		}
	}
	defer func() {
		// Release with a fresh context: the caller's may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.backend.ReleaseLock(rctx, lockKey, owner); err != nil {
			s.log.Warn("lock release failed: " + key)
		}
	}()
	return fn()
}

// GetJSON reads and decodes the document at key. found=false when absent.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, found, err := s.backend.Get(ctx, key)
	if err != nil {
		return false, NewIOError("read "+key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, NewInvalidJSON(key, err)
	}
	return true, nil
}

// PutJSON encodes v and atomically writes it at key.
func (s *Store) PutJSON(ctx context.Context, key string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return NewIOError("encode "+key, err)
	}
	if err := s.backend.Set(ctx, key, raw); err != nil {
		return NewIOError("write "+key, err)
	}
	return nil
}

// Initialized reports whether the room has a state document.
func (s *Store) Initialized(ctx context.Context) bool {
	_, found, err := s.backend.Get(ctx, StateKey)
	return err == nil && found
}

// Init creates the state document when absent. The second call is a no-op:
// it reports created=false and leaves the existing state untouched.
func (s *Store) Init(ctx context.Context, project string) (created bool, err error) {
	err = s.WithLock(ctx, StateKey, func() error {
		var st State
		found, err := s.GetJSON(ctx, StateKey, &st)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		now := time.Now().UTC()
		st = State{
			ProtocolVersion: ProtocolVersion,
			Project:         project,
			MessageSeq:      0,
			ActiveAgents:    []string{},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		created = true
		return s.PutJSON(ctx, StateKey, &st)
	})
	return created, err
}

// LoadState reads the state document. A missing document is NotInitialized.
func (s *Store) LoadState(ctx context.Context) (*State, error) {
	var st State
	found, err := s.GetJSON(ctx, StateKey, &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewNotInitialized()
	}
	return &st, nil
}

// MutateState applies fn to the state document under its lock. fn returning
// an error aborts the write. message_seq is checked to never decrease.
func (s *Store) MutateState(ctx context.Context, fn func(*State) error) (*State, error) {
	var out *State
	err := s.WithLock(ctx, StateKey, func() error {
		st, err := s.LoadState(ctx)
		if err != nil {
			return err
		}
		prevSeq := st.MessageSeq
		if err := fn(st); err != nil {
			return err
		}
		if st.MessageSeq < prevSeq {
			return NewValidationError("message_seq must not decrease")
		}
		st.UpdatedAt = time.Now().UTC()
		if err := s.PutJSON(ctx, StateKey, st); err != nil {
			return err
		}
		out = st
		return nil
	})
	return out, err
}

// --- agents ---

func agentKey(name string) string { return agentsPrefix + name + ".json" }

// LoadAgent reads one agent record.
func (s *Store) LoadAgent(ctx context.Context, name string) (*Agent, error) {
	if !ValidAgentName(name) {
		return nil, NewValidationError("invalid agent name: %s", name)
	}
	var a Agent
	found, err := s.GetJSON(ctx, agentKey(name), &a)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewAgentNotFound(name)
	}
	return &a, nil
}

// SaveAgent writes one agent record under its file lock.
func (s *Store) SaveAgent(ctx context.Context, a *Agent) error {
	if !ValidAgentName(a.Name) {
		return NewValidationError("invalid agent name: %s", a.Name)
	}
	return s.WithLock(ctx, agentKey(a.Name), func() error {
		return s.PutJSON(ctx, agentKey(a.Name), a)
	})
}

// MutateAgent applies fn to one agent record under its lock. last_seen is
// checked to never decrease.
func (s *Store) MutateAgent(ctx context.Context, name string, fn func(*Agent) error) (*Agent, error) {
	if !ValidAgentName(name) {
		return nil, NewValidationError("invalid agent name: %s", name)
	}
	var out *Agent
	err := s.WithLock(ctx, agentKey(name), func() error {
		a, err := s.LoadAgent(ctx, name)
		if err != nil {
			return err
		}
		prev := a.LastSeen
		if err := fn(a); err != nil {
			return err
		}
		if a.LastSeen.Before(prev) {
			a.LastSeen = prev
		}
		if err := s.PutJSON(ctx, agentKey(name), a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// DeleteAgent removes one agent record. Missing records are not an error.
func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	if !ValidAgentName(name) {
		return NewValidationError("invalid agent name: %s", name)
	}
	if err := s.backend.Delete(ctx, agentKey(name)); err != nil {
		return NewIOError("delete agent "+name, err)
	}
	return nil
}

// ListAgents reads every agent record, sorted by name.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	keys, err := s.backend.List(ctx, agentsPrefix)
	if err != nil {
		return nil, NewIOError("list agents", err)
	}
	agents := make([]*Agent, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		var a Agent
		found, err := s.GetJSON(ctx, key, &a)
		if err != nil || !found {
			continue // record mid-write or torn; skip this pass
		}
		agents = append(agents, &a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// TouchAgent bumps last_seen on an agent record if it exists.
func (s *Store) TouchAgent(ctx context.Context, name string) {
	_, _ = s.MutateAgent(ctx, name, func(a *Agent) error {
		a.LastSeen = time.Now().UTC()
		return nil
	})
}

// --- messages ---

func messageKey(seq int64, from, kind string) string {
	return fmt.Sprintf("%s%06d_%s_%s.json", messagesPrefix, seq, from, kind)
}

// AppendMessage assigns the next sequence number under the state lock,
// persists the message, and returns it. kind in the filename is "broadcast",
// "mention-<target>", or "system".
func (s *Store) AppendMessage(ctx context.Context, from, msgType, content, mention string) (*Message, error) {
	content = SanitizeContent(content)
	if content == "" {
		return nil, NewValidationError("message content must not be empty")
	}
	var msg *Message
	_, err := s.MutateState(ctx, func(st *State) error {
		st.MessageSeq++
		kind := msgType
		if msgType == MessageMention && mention != "" {
			kind = "mention-" + mention
		}
		msg = &Message{
			Seq:       st.MessageSeq,
			FromAgent: from,
			Type:      msgType,
			Content:   content,
			Mention:   mention,
			Timestamp: time.Now().UTC(),
		}
		return s.PutJSON(ctx, messageKey(msg.Seq, from, kind), msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Messages returns persisted messages most-recent-first, optionally bounded
// to seq > sinceSeq and at most limit entries (limit <= 0 means no bound).
func (s *Store) Messages(ctx context.Context, sinceSeq int64, limit int) ([]Message, error) {
	keys, err := s.backend.List(ctx, messagesPrefix)
	if err != nil {
		return nil, NewIOError("list messages", err)
	}
	msgs := make([]Message, 0, len(keys))
	for _, key := range keys {
		var m Message
		found, err := s.GetJSON(ctx, key, &m)
		if err != nil || !found {
			continue
		}
		if m.Seq > sinceSeq {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq > msgs[j].Seq })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// CleanupMessages deletes messages older than cutoff for which keep returns
// false, returning the number removed.
func (s *Store) CleanupMessages(ctx context.Context, cutoff time.Time, keep func(Message) bool) (int, error) {
	keys, err := s.backend.List(ctx, messagesPrefix)
	if err != nil {
		return 0, NewIOError("list messages", err)
	}
	removed := 0
	for _, key := range keys {
		var m Message
		found, err := s.GetJSON(ctx, key, &m)
		if err != nil || !found {
			continue
		}
		if m.Timestamp.After(cutoff) {
			continue
		}
		if keep != nil && keep(m) {
			continue
		}
		if err := s.backend.Delete(ctx, key); err == nil {
			removed++
		}
	}
	return removed, nil
}

// --- cache ---

func cacheKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return cachePrefix + hex.EncodeToString(sum[:]) + ".json"
}

// CacheSet stores value under key with an optional TTL (0 = no expiry).
func (s *Store) CacheSet(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ValidateResource(key); err != nil {
		return err
	}
	entry := CacheEntry{Key: key, Value: value}
	if ttl > 0 {
		entry.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	return s.PutJSON(ctx, cacheKey(key), &entry)
}

// CacheGet returns the cached value for key. Expired entries are removed on
// observation and reported as a miss.
func (s *Store) CacheGet(ctx context.Context, key string) (string, bool, error) {
	if err := ValidateResource(key); err != nil {
		return "", false, err
	}
	var entry CacheEntry
	found, err := s.GetJSON(ctx, cacheKey(key), &entry)
	if err != nil || !found {
		return "", false, err
	}
	if entry.Expired(time.Now().UTC()) {
		_ = s.backend.Delete(ctx, cacheKey(key))
		return "", false, nil
	}
	return entry.Value, true, nil
}

// CleanupCache removes expired cache entries, returning the number removed.
func (s *Store) CleanupCache(ctx context.Context) (int, error) {
	keys, err := s.backend.List(ctx, cachePrefix)
	if err != nil {
		return 0, NewIOError("list cache", err)
	}
	now := time.Now().UTC()
	removed := 0
	for _, key := range keys {
		var entry CacheEntry
		found, err := s.GetJSON(ctx, key, &entry)
		if err != nil || !found {
			continue
		}
		if entry.Expired(now) {
			if err := s.backend.Delete(ctx, key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// --- votes ---

// LoadVotes reads the votes document; absent means empty.
func (s *Store) LoadVotes(ctx context.Context) (*VotesDoc, error) {
	var doc VotesDoc
	if _, err := s.GetJSON(ctx, VotesKey, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// MutateVotes applies fn to the votes document under its lock.
func (s *Store) MutateVotes(ctx context.Context, fn func(*VotesDoc) error) (*VotesDoc, error) {
	var out *VotesDoc
	err := s.WithLock(ctx, VotesKey, func() error {
		doc, err := s.LoadVotes(ctx)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		if err := s.PutJSON(ctx, VotesKey, doc); err != nil {
			return err
		}
		out = doc
		return nil
	})
	return out, err
}

// --- audit log ---

// AppendAudit appends one JSON line to the audit log under its lock.
// Governance filtering happens in the events package; the store only writes.
func (s *Store) AppendAudit(ctx context.Context, ev AuditEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return NewIOError("encode audit event", err)
	}
	return s.WithLock(ctx, AuditKey, func() error {
		raw, _, err := s.backend.Get(ctx, AuditKey)
		if err != nil {
			return NewIOError("read audit log", err)
		}
		raw = append(raw, line...)
		raw = append(raw, '\n')
		if err := s.backend.Set(ctx, AuditKey, raw); err != nil {
			return NewIOError("write audit log", err)
		}
		return nil
	})
}

// ReadAudit returns the last limit audit events, newest first (limit <= 0
// means all).
func (s *Store) ReadAudit(ctx context.Context, limit int) ([]AuditEvent, error) {
	raw, found, err := s.backend.Get(ctx, AuditKey)
	if err != nil {
		return nil, NewIOError("read audit log", err)
	}
	if !found {
		return nil, nil
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	events := make([]AuditEvent, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == "" {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal([]byte(lines[i]), &ev); err != nil {
			continue // a torn tail line is not worth failing the read
		}
		events = append(events, ev)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

// --- rooms registry and markers ---

// MutateRegistry applies fn to the rooms registry under its lock.
func (s *Store) MutateRegistry(ctx context.Context, fn func(*Registry) error) (*Registry, error) {
	var out *Registry
	err := s.WithLock(ctx, RoomsKey, func() error {
		var reg Registry
		if _, err := s.GetJSON(ctx, RoomsKey, &reg); err != nil {
			return err
		}
		if err := fn(&reg); err != nil {
			return err
		}
		if err := s.PutJSON(ctx, RoomsKey, &reg); err != nil {
			return err
		}
		out = &reg
		return nil
	})
	return out, err
}

// LoadRegistry reads the rooms registry; absent means empty.
func (s *Store) LoadRegistry(ctx context.Context) (*Registry, error) {
	var reg Registry
	if _, err := s.GetJSON(ctx, RoomsKey, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// SetMarker writes a plain-text marker file (current_task, current_room).
func (s *Store) SetMarker(ctx context.Context, key, value string) error {
	if err := s.backend.Set(ctx, key, []byte(value)); err != nil {
		return NewIOError("write "+key, err)
	}
	return nil
}

// Marker reads a plain-text marker file.
func (s *Store) Marker(ctx context.Context, key string) (string, error) {
	raw, found, err := s.backend.Get(ctx, key)
	if err != nil {
		return "", NewIOError("read "+key, err)
	}
	if !found {
		return "", nil
	}
	return strings.TrimSpace(string(raw)), nil
}

// --- session identity ---

func sessionKey(sessionID string) string {
	// Session ids come from transport headers; flatten anything unsafe.
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, sessionID)
	return sessionsPrefix + cleaned + ".agent"
}

// SessionAgent returns the persisted agent identity for a session id.
func (s *Store) SessionAgent(ctx context.Context, sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	raw, found, err := s.backend.Get(ctx, sessionKey(sessionID))
	if err != nil || !found {
		return "", false
	}
	name := strings.TrimSpace(string(raw))
	return name, name != ""
}

// SaveSessionAgent persists the agent identity for a session id.
func (s *Store) SaveSessionAgent(ctx context.Context, sessionID, agent string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.backend.Set(ctx, sessionKey(sessionID), []byte(agent)); err != nil {
		return NewIOError("write session identity", err)
	}
	return nil
}
