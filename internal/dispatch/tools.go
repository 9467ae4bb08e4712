package dispatch

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/features"
	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/session"
)

// handlerFunc is one tool handler, invoked with the resolved agent name.
type handlerFunc func(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// toolEntry binds a tool schema to its handler and gating metadata.
type toolEntry struct {
	tool      mcp.Tool
	category  features.Category
	rate      session.Category // empty: no token consumed
	write     bool             // auto-registers the agent's session
	joinGated bool             // requires the agent to be joined
	admin     bool             // requires the admin role when auth is on
	handler   handlerFunc
	schema    *jsonschema.Schema
}

// validate checks args against the tool's compiled input schema.
func (e *toolEntry) validate(args map[string]any) error {
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(args); err != nil {
		return room.NewValidationError("invalid arguments for %s: %v", e.tool.Name, err)
	}
	return nil
}

func (d *Dispatcher) register(e *toolEntry) {
	if schema, err := compileToolSchema(e.tool); err != nil {
		d.log.Warn("tool schema compile failed",
			zap.String("tool", e.tool.Name), zap.Error(err))
	} else {
		e.schema = schema
	}
	d.tools[e.tool.Name] = e
	d.toolOrder = append(d.toolOrder, e.tool.Name)
}

// compileToolSchema turns the advertised input schema into a validator.
func compileToolSchema(tool mcp.Tool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "masc:///tools/" + tool.Name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// agentNameArg is shared by every tool that acts as an agent.
func agentNameArg() mcp.ToolOption {
	return mcp.WithString("agent_name",
		mcp.Description("Acting agent name; defaults to the persisted session identity"),
	)
}

func (d *Dispatcher) registerTools() {
	d.tools = make(map[string]*toolEntry)

	// --- core: room lifecycle ---

	d.register(&toolEntry{
		tool: mcp.NewTool("masc_init",
			mcp.WithDescription("Initialize the coordination room. Safe to call twice; the second call is a no-op."),
			mcp.WithString("project", mcp.Description("Project name stored in the room state")),
		),
		category: features.Core,
		handler:  d.handleInit,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_status",
			mcp.WithDescription("Show the room status: project, agents, tasks, messages, pause state."),
		),
		category: features.Core,
		handler:  d.handleStatus,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_pause",
			mcp.WithDescription("Pause the room: task mutations are refused until resume."),
			mcp.WithString("reason", mcp.Description("Why the room is being paused")),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryGeneral,
		write:    true, joinGated: true, admin: true,
		handler: d.handlePause,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_resume",
			mcp.WithDescription("Resume a paused room."),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryGeneral,
		write:    true, joinGated: true, admin: true,
		handler: d.handleResume,
	})

	// --- core: presence ---

	d.register(&toolEntry{
		tool: mcp.NewTool("masc_join",
			mcp.WithDescription("Join the room. Provide name for a fixed identity, or agent_type to get a generated nickname."),
			mcp.WithString("name", mcp.Description("Explicit agent name (letters, digits, -, _, .)")),
			mcp.WithString("agent_type", mcp.Description("Agent type used to generate a nickname, e.g. go, review")),
			mcp.WithString("role", mcp.Description("Agent role"), mcp.Enum("reader", "worker", "admin")),
			mcp.WithArray("capabilities", mcp.Description("Capability tags, e.g. [\"go\", \"sql\"]")),
			mcp.WithString("worktree", mcp.Description("Worktree this agent works in")),
		),
		category: features.Core,
		rate:     session.CategoryGeneral,
		write:    true,
		handler:  d.handleJoin,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_leave",
			mcp.WithDescription("Leave the room and drop the agent record."),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryGeneral,
		write:    true, joinGated: true,
		handler: d.handleLeave,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_heartbeat",
			mcp.WithDescription("Record liveness for the acting agent."),
			agentNameArg(),
		),
		category: features.Core,
		write:    true, joinGated: true,
		handler: d.handleHeartbeat,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_agents",
			mcp.WithDescription("List agents in the room with status, current task, and liveness."),
		),
		category: features.Core,
		handler:  d.handleAgents,
	})

	// --- core: tasks ---

	d.register(&toolEntry{
		tool: mcp.NewTool("masc_add_task",
			mcp.WithDescription("Add one task to the backlog."),
			mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
			mcp.WithString("description", mcp.Description("Task description")),
			mcp.WithNumber("priority", mcp.Description("Priority 1 (highest) to 5; default 3")),
			mcp.WithString("worktree", mcp.Description("Worktree the task belongs to")),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryTaskOps,
		write:    true, joinGated: true,
		handler: d.handleAddTask,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_add_tasks",
			mcp.WithDescription("Add several tasks in one transaction with contiguous ids. All-or-nothing."),
			mcp.WithArray("tasks", mcp.Required(),
				mcp.Description("Tasks to add; each has title (required), description, priority")),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryTaskOps,
		write:    true, joinGated: true,
		handler: d.handleAddTasks,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_list_tasks",
			mcp.WithDescription("List backlog tasks with state, assignee, and effective priority."),
		),
		category: features.Core,
		handler:  d.handleListTasks,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_my_task",
			mcp.WithDescription("Show the task currently assigned to the acting agent."),
			agentNameArg(),
		),
		category: features.Core,
		handler:  d.handleMyTask,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_transition",
			mcp.WithDescription("Apply a task state-machine action, optionally guarded by the backlog version (CAS)."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id, e.g. task-001")),
			mcp.WithString("action", mcp.Required(),
				mcp.Description("Transition to apply"),
				mcp.Enum("claim", "start", "done", "release", "cancel")),
			mcp.WithNumber("expected_version", mcp.Description("Backlog version the caller observed; mismatch fails the call")),
			mcp.WithString("notes", mcp.Description("Completion notes (done)")),
			mcp.WithString("reason", mcp.Description("Cancellation reason (cancel)")),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryTaskOps,
		write:    true, joinGated: true,
		handler: d.handleTransition,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_claim",
			mcp.WithDescription("Claim a task. Equivalent to masc_transition with action=claim."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id to claim")),
			mcp.WithNumber("expected_version", mcp.Description("Backlog version the caller observed")),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryTaskOps,
		write:    true, joinGated: true,
		handler: d.handleClaim,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_claim_next",
			mcp.WithDescription("Claim the best unclaimed task: lowest effective priority, oldest first."),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryTaskOps,
		write:    true, joinGated: true,
		handler: d.handleClaimNext,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_gc",
			mcp.WithDescription("Garbage-collect the room: archive stale tasks, prune messages, remove zombie agents."),
			mcp.WithNumber("days", mcp.Description("Age cutoff in days; defaults to the configured gc_days")),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryGeneral,
		write:    true, joinGated: true, admin: true,
		handler: d.handleGC,
	})

	// --- core: cache ---

	d.register(&toolEntry{
		tool: mcp.NewTool("masc_cache_set",
			mcp.WithDescription("Store a value in the room cache, optionally with a TTL."),
			mcp.WithString("key", mcp.Required(), mcp.Description("Cache key")),
			mcp.WithString("value", mcp.Required(), mcp.Description("Value to store")),
			mcp.WithNumber("ttl_seconds", mcp.Description("Expiry in seconds; 0 or absent means no expiry")),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryGeneral,
		write:    true,
		handler:  d.handleCacheSet,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_cache_get",
			mcp.WithDescription("Read a value from the room cache. Expired entries are misses."),
			mcp.WithString("key", mcp.Required(), mcp.Description("Cache key")),
		),
		category: features.Core,
		handler:  d.handleCacheGet,
	})

	// --- core: resource locks ---

	d.register(&toolEntry{
		tool: mcp.NewTool("masc_lock",
			mcp.WithDescription("Acquire a TTL advisory lock on a shared resource."),
			mcp.WithString("resource", mcp.Required(), mcp.Description("Resource path or identifier")),
			mcp.WithNumber("ttl_seconds", mcp.Description("Lock TTL in seconds (1..3600, default 300)")),
			mcp.WithString("owner", mcp.Description("Lock owner; defaults to the acting agent")),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryFileLock,
		write:    true, joinGated: true,
		handler: d.handleLock,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_unlock",
			mcp.WithDescription("Release an advisory lock held by the owner."),
			mcp.WithString("resource", mcp.Required(), mcp.Description("Resource to unlock")),
			mcp.WithString("owner", mcp.Description("Lock owner; defaults to the acting agent")),
			agentNameArg(),
		),
		category: features.Core,
		rate:     session.CategoryFileLock,
		write:    true, joinGated: true,
		handler: d.handleUnlock,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_locks",
			mcp.WithDescription("List live resource locks."),
		),
		category: features.Core,
		handler:  d.handleLocks,
	})

	// --- comm ---

	d.register(&toolEntry{
		tool: mcp.NewTool("masc_broadcast",
			mcp.WithDescription("Send a message to every agent in the room."),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message text (4000 runes max)")),
			agentNameArg(),
		),
		category: features.Comm,
		rate:     session.CategoryBroadcast,
		write:    true,
		handler:  d.handleBroadcast,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_mention",
			mcp.WithDescription("Send a direct message to one agent."),
			mcp.WithString("target", mcp.Required(), mcp.Description("Recipient agent name")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
			agentNameArg(),
		),
		category: features.Comm,
		rate:     session.CategoryBroadcast,
		write:    true,
		handler:  d.handleMention,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_read_messages",
			mcp.WithDescription("Read persisted room messages, most recent first."),
			mcp.WithNumber("since_seq", mcp.Description("Only messages with seq greater than this")),
			mcp.WithNumber("limit", mcp.Description("Maximum messages to return (default 20)")),
		),
		category: features.Comm,
		handler:  d.handleReadMessages,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_wait_for_message",
			mcp.WithDescription("Block until a message arrives for the acting agent or the timeout passes."),
			mcp.WithNumber("timeout_seconds", mcp.Description("How long to wait; 0 checks once and returns")),
			agentNameArg(),
		),
		category: features.Comm,
		write:    true,
		handler:  d.handleWaitForMessage,
	})

	// --- portal: planning artifacts ---

	d.register(&toolEntry{
		tool: mcp.NewTool("masc_plan_set",
			mcp.WithDescription("Set the plan for a task."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
			mcp.WithString("plan", mcp.Required(), mcp.Description("Plan text (markdown)")),
			agentNameArg(),
		),
		category: features.Portal,
		rate:     session.CategoryGeneral,
		write:    true, joinGated: true,
		handler: d.handlePlanSet,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_plan_get",
			mcp.WithDescription("Read the planning context for a task: plan, notes, errors, deliverable."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		),
		category: features.Portal,
		handler:  d.handlePlanGet,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_note_add",
			mcp.WithDescription("Append a note to a task's planning context."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
			mcp.WithString("note", mcp.Required(), mcp.Description("Note text")),
			agentNameArg(),
		),
		category: features.Portal,
		rate:     session.CategoryGeneral,
		write:    true, joinGated: true,
		handler: d.handleNoteAdd,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_error_log",
			mcp.WithDescription("Log an error against a task."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Error message")),
			mcp.WithString("type", mcp.Description("Error type, e.g. build, test, runtime")),
			mcp.WithString("context", mcp.Description("Extra context, e.g. the failing file")),
			agentNameArg(),
		),
		category: features.Portal,
		rate:     session.CategoryGeneral,
		write:    true, joinGated: true,
		handler: d.handleErrorLog,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_error_resolve",
			mcp.WithDescription("Mark a logged error as resolved by its index."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
			mcp.WithNumber("index", mcp.Required(), mcp.Description("Zero-based error index")),
			agentNameArg(),
		),
		category: features.Portal,
		rate:     session.CategoryGeneral,
		write:    true, joinGated: true,
		handler: d.handleErrorResolve,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_deliverable_set",
			mcp.WithDescription("Set the deliverable description for a task."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
			mcp.WithString("deliverable", mcp.Required(), mcp.Description("Deliverable text")),
			agentNameArg(),
		),
		category: features.Portal,
		rate:     session.CategoryGeneral,
		write:    true, joinGated: true,
		handler: d.handleDeliverableSet,
	})

	// --- worktree / health / discovery ---

	d.register(&toolEntry{
		tool: mcp.NewTool("masc_worktree_list",
			mcp.WithDescription("List worktrees referenced by agents and tasks."),
		),
		category: features.Worktree,
		handler:  d.handleWorktreeList,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_health",
			mcp.WithDescription("Report server health: room, backend, bus, and tool-call statistics."),
		),
		category: features.Health,
		handler:  d.handleHealth,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_discover",
			mcp.WithDescription("List rooms known to this server's registry."),
		),
		category: features.Discovery,
		handler:  d.handleDiscover,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_whois",
			mcp.WithDescription("Show one agent's record."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Agent name")),
		),
		category: features.Discovery,
		handler:  d.handleWhois,
	})

	// --- voting ---

	d.register(&toolEntry{
		tool: mcp.NewTool("masc_vote_start",
			mcp.WithDescription("Open a vote on a topic with fixed options."),
			mcp.WithString("topic", mcp.Required(), mcp.Description("What is being decided")),
			mcp.WithArray("options", mcp.Required(), mcp.Description("Two or more options")),
			mcp.WithNumber("closes_in_seconds", mcp.Description("Auto-close after this many seconds")),
			agentNameArg(),
		),
		category: features.Voting,
		rate:     session.CategoryGeneral,
		write:    true, joinGated: true,
		handler: d.handleVoteStart,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_vote_cast",
			mcp.WithDescription("Cast or change a ballot. One ballot per agent."),
			mcp.WithString("vote_id", mcp.Required(), mcp.Description("Vote id, e.g. vote-001")),
			mcp.WithString("option", mcp.Required(), mcp.Description("Chosen option")),
			agentNameArg(),
		),
		category: features.Voting,
		rate:     session.CategoryGeneral,
		write:    true, joinGated: true,
		handler: d.handleVoteCast,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_vote_status",
			mcp.WithDescription("Show one vote's tally, or all votes."),
			mcp.WithString("vote_id", mcp.Description("Vote id; absent shows all votes")),
		),
		category: features.Voting,
		handler:  d.handleVoteStatus,
	})

	// --- interrupt / ratelimit ---

	d.register(&toolEntry{
		tool: mcp.NewTool("masc_interrupt",
			mcp.WithDescription("Cancel another agent's in-flight wait_for_message."),
			mcp.WithString("target", mcp.Required(), mcp.Description("Agent to interrupt")),
			agentNameArg(),
		),
		category: features.Interrupt,
		rate:     session.CategoryGeneral,
		write:    true,
		handler:  d.handleInterrupt,
	})
	d.register(&toolEntry{
		tool: mcp.NewTool("masc_rate_status",
			mcp.WithDescription("Show remaining rate-limit headroom per category for the acting agent."),
			agentNameArg(),
		),
		category: features.RateLimit,
		handler:  d.handleRateStatus,
	})
}
