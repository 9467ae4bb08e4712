// Package room owns the durable coordination state of a single room: the
// versioned state document, agent records, messages, votes, and the cache,
// all persisted through a storage.Backend with advisory locks and atomic
// rewrites.
package room

import (
	"time"
)

// ProtocolVersion is written into new state documents and echoed by status.
const ProtocolVersion = "1.0"

// State is the room's single versioned state document.
type State struct {
	ProtocolVersion string    `json:"protocol_version"`
	Project         string    `json:"project"`
	MessageSeq      int64     `json:"message_seq"`
	ActiveAgents    []string  `json:"active_agents"`
	Paused          bool      `json:"paused"`
	PausedBy        string    `json:"paused_by,omitempty"`
	PauseReason     string    `json:"pause_reason,omitempty"`
	PausedAt        time.Time `json:"paused_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasAgent reports whether name is in the active-agents set.
func (s *State) HasAgent(name string) bool {
	for _, a := range s.ActiveAgents {
		if a == name {
			return true
		}
	}
	return false
}

// AddAgent adds name to the active-agents set without duplicating it.
func (s *State) AddAgent(name string) {
	if !s.HasAgent(name) {
		s.ActiveAgents = append(s.ActiveAgents, name)
	}
}

// RemoveAgent removes name from the active-agents set.
func (s *State) RemoveAgent(name string) {
	out := s.ActiveAgents[:0]
	for _, a := range s.ActiveAgents {
		if a != name {
			out = append(out, a)
		}
	}
	s.ActiveAgents = out
}

// AgentStatus is the presence classification of an agent record.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentBusy      AgentStatus = "busy"
	AgentListening AgentStatus = "listening"
	AgentInactive  AgentStatus = "inactive"
)

// AgentRole gates admin-only tools and scales rate limits.
type AgentRole string

const (
	RoleReader AgentRole = "reader"
	RoleWorker AgentRole = "worker"
	RoleAdmin  AgentRole = "admin"
)

// DefaultZombieThreshold classifies an agent as a zombie when last_seen is
// older than this.
const DefaultZombieThreshold = 5 * time.Minute

// Agent is the durable record of one room participant.
type Agent struct {
	Name         string      `json:"name"`
	AgentType    string      `json:"agent_type"`
	Status       AgentStatus `json:"status"`
	Role         AgentRole   `json:"role"`
	Capabilities []string    `json:"capabilities,omitempty"`
	CurrentTask  string      `json:"current_task,omitempty"`
	JoinedAt     time.Time   `json:"joined_at"`
	LastSeen     time.Time   `json:"last_seen"`

	// Optional session metadata.
	SessionID  string `json:"session_id,omitempty"`
	PID        int    `json:"pid,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	TTY        string `json:"tty,omitempty"`
	Worktree   string `json:"worktree,omitempty"`
	ParentTask string `json:"parent_task,omitempty"`
}

// Zombie reports whether the agent's last_seen is older than threshold.
func (a *Agent) Zombie(now time.Time, threshold time.Duration) bool {
	return now.Sub(a.LastSeen) > threshold
}

// MessageType distinguishes agent chatter from system-origin notifications.
const (
	MessageBroadcast = "broadcast"
	MessageMention   = "mention"
	MessageSystem    = "system"
)

// Message is one room message. Seq is assigned from the state document's
// message_seq counter: monotonic and gap-free, starting at 1.
type Message struct {
	Seq       int64     `json:"seq"`
	FromAgent string    `json:"from_agent"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Mention   string    `json:"mention,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Vote is a lightweight proposal with one ballot per agent.
type Vote struct {
	ID       string            `json:"id"`
	Topic    string            `json:"topic"`
	Options  []string          `json:"options"`
	OpenedBy string            `json:"opened_by"`
	OpenedAt time.Time         `json:"opened_at"`
	ClosesAt time.Time         `json:"closes_at,omitempty"`
	Ballots  map[string]string `json:"ballots"`
	Closed   bool              `json:"closed"`
}

// VotesDoc is the persisted votes document.
type VotesDoc struct {
	Votes []Vote `json:"votes"`
}

// CacheEntry is one TTL-bounded cache value.
type CacheEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry has a TTL and it has passed.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// RegistryEntry is one room in the rooms registry.
type RegistryEntry struct {
	Name      string    `json:"name"`
	Base      string    `json:"base"`
	Project   string    `json:"project,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry is the persisted rooms.json document.
type Registry struct {
	Rooms []RegistryEntry `json:"rooms"`
}

// AuditEvent is one JSON line in the room's audit log.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent"`
	EventType string    `json:"event_type"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
}
