// Package events carries room events from the mutation sites to the audit
// log, the in-process/NATS bus, and the SSE/WebSocket subscribers.
package events

// Event types for room lifecycle
const (
	RoomInitialized = "room.initialized"
	RoomPaused      = "room.paused"
	RoomResumed     = "room.resumed"
	RoomUpdated     = "room.updated" // out-of-band file change seen by the watcher
)

// Event types for agents
const (
	AgentJoined = "agent.joined"
	AgentLeft   = "agent.left"
	AgentSeen   = "agent.heartbeat"
)

// Event types for tasks
const (
	TaskAdded      = "task.added"
	TaskTransition = "task.transition"
	TaskArchived   = "task.archived"
)

// Event types for messages and locks
const (
	MessagePosted = "message.posted"
	LockAcquired  = "lock.acquired"
	LockReleased  = "lock.released"
)

// Event types for governance
const (
	ToolCalled = "tool_call"
	GCRun      = "gc.run"
)

// SubjectRoot is the base of every bus subject. With a cluster name set,
// subjects become masc.<cluster>.<suffix>.
const SubjectRoot = "masc"

// Subject builds a bus subject under the optional cluster prefix.
func Subject(cluster, suffix string) string {
	if cluster == "" {
		return SubjectRoot + "." + suffix
	}
	return SubjectRoot + "." + cluster + "." + suffix
}

// SubjectAll returns the wildcard pattern covering every subject the room
// publishes under the given cluster prefix.
func SubjectAll(cluster string) string {
	return Subject(cluster, ">")
}
