// Package session holds the ephemeral per-agent state of a running server:
// message mailboxes, listening flags, rate-limit buckets, and last-activity
// times. Nothing here survives a restart; durable presence lives in the
// room store.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/masc-dev/masc/internal/room"
)

// entry is the in-memory state for one registered agent.
type entry struct {
	mailbox      []room.Message
	listening    bool
	notify       chan struct{} // buffered(1); signalled on every mailbox push
	interrupt    chan struct{} // closed to cancel an in-flight wait
	limiters     *limiterSet
	lastActivity time.Time
}

// Registry is the in-memory session table. All methods are safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	agents  map[string]*entry
	limits  RateLimits
	nowFunc func() time.Time // test hook
}

// NewRegistry creates an empty registry with the given rate limits.
func NewRegistry(limits RateLimits) *Registry {
	return &Registry{
		agents:  make(map[string]*entry),
		limits:  limits,
		nowFunc: time.Now,
	}
}

// Register adds an agent. Registering a present agent is a no-op that
// keeps its mailbox.
func (r *Registry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; ok {
		return
	}
	r.agents[name] = &entry{
		notify:       make(chan struct{}, 1),
		interrupt:    make(chan struct{}),
		limiters:     newLimiterSet(r.limits),
		lastActivity: r.nowFunc(),
	}
}

// Unregister removes an agent and drops its mailbox. Idempotent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
}

// Registered reports whether the agent has an in-memory session.
func (r *Registry) Registered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[name]
	return ok
}

// PushMessage delivers msg to mailboxes: to the mentioned agent only when
// msg.Mention is set, otherwise to every registered agent except the
// sender. Each delivery signals the recipient's notify channel.
func (r *Registry) PushMessage(msg room.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.Mention != "" {
		if e, ok := r.agents[msg.Mention]; ok {
			deliver(e, msg)
		}
		return
	}
	for name, e := range r.agents {
		if name == msg.FromAgent {
			continue
		}
		deliver(e, msg)
	}
}

func deliver(e *entry, msg room.Message) {
	e.mailbox = append(e.mailbox, msg)
	select {
	case e.notify <- struct{}{}:
	default: // already signalled
	}
}

// PopMessage dequeues the oldest pending message for name, or nil.
func (r *Registry) PopMessage(name string) *room.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[name]
	if !ok || len(e.mailbox) == 0 {
		return nil
	}
	msg := e.mailbox[0]
	e.mailbox = e.mailbox[1:]
	return &msg
}

// WaitForMessage blocks until a message arrives for name, the timeout
// passes, ctx is cancelled, or Interrupt fires. timeout=0 checks once and
// returns immediately. The agent is marked listening for the duration.
func (r *Registry) WaitForMessage(ctx context.Context, name string, timeout time.Duration) (*room.Message, error) {
	r.mu.Lock()
	e, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return nil, room.NewAgentNotFound(name)
	}
	if len(e.mailbox) > 0 {
		msg := e.mailbox[0]
		e.mailbox = e.mailbox[1:]
		r.mu.Unlock()
		return &msg, nil
	}
	if timeout <= 0 {
		r.mu.Unlock()
		return nil, nil
	}
	wasListening := e.listening
	e.listening = true
	notify := e.notify
	interrupt := e.interrupt
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if e2, ok := r.agents[name]; ok {
			e2.listening = wasListening
		}
		r.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-notify:
			if msg := r.PopMessage(name); msg != nil {
				return msg, nil
			}
			// Another waiter won the race; keep waiting.
		case <-interrupt:
			return nil, room.NewCancelled()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, room.NewTimeout()
			}
			return nil, room.NewCancelled()
		}
	}
}

// Interrupt cancels an in-flight WaitForMessage for name. It reports
// whether the agent was registered.
func (r *Registry) Interrupt(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[name]
	if !ok {
		return false
	}
	close(e.interrupt)
	e.interrupt = make(chan struct{})
	return true
}

// Listening reports whether the agent is blocked in WaitForMessage.
func (r *Registry) Listening(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[name]
	return ok && e.listening
}

// TouchActivity records activity for name.
func (r *Registry) TouchActivity(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[name]; ok {
		e.lastActivity = r.nowFunc()
	}
}

// LastActivity returns the last recorded activity for name.
func (r *Registry) LastActivity(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[name]
	if !ok {
		return time.Time{}, false
	}
	return e.lastActivity, true
}

// BackdateActivity shifts an agent's last activity into the past. Test hook.
func (r *Registry) BackdateActivity(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[name]; ok {
		e.lastActivity = e.lastActivity.Add(-d)
	}
}

// MailboxLen reports the number of pending messages for name.
func (r *Registry) MailboxLen(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[name]; ok {
		return len(e.mailbox)
	}
	return 0
}

// AgentStatus is one row of the presence report.
type AgentStatus struct {
	Name        string           `json:"name"`
	Status      room.AgentStatus `json:"status"`
	CurrentTask string           `json:"current_task,omitempty"`
	LastSeen    time.Time        `json:"last_seen"`
	Zombie      bool             `json:"zombie"`
}

// Statuses merges durable agent records with in-memory listening state into
// a presence report, sorted by the store's agent ordering.
func (r *Registry) Statuses(ctx context.Context, store *room.Store, zombieThreshold time.Duration) ([]AgentStatus, error) {
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]AgentStatus, 0, len(agents))
	for _, a := range agents {
		status := a.Status
		if r.Listening(a.Name) {
			status = room.AgentListening
		}
		out = append(out, AgentStatus{
			Name:        a.Name,
			Status:      status,
			CurrentTask: a.CurrentTask,
			LastSeen:    a.LastSeen,
			Zombie:      a.Zombie(now, zombieThreshold),
		})
	}
	return out, nil
}
