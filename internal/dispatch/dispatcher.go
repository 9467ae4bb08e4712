// Package dispatch routes tools/call requests to their handlers and owns
// the cross-cutting concerns of every call: agent identity resolution, the
// join gate, heartbeats, rate limits, schema validation, auditing, and
// panic containment.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/events"
	"github.com/masc-dev/masc/internal/features"
	"github.com/masc-dev/masc/internal/lock"
	"github.com/masc-dev/masc/internal/planning"
	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/session"
	"github.com/masc-dev/masc/internal/task/service"
	"github.com/masc-dev/masc/internal/telemetry"
)

// Config carries the room-level knobs the dispatcher needs.
type Config struct {
	ZombieThreshold time.Duration
	GCDays          int
}

// Dispatcher is the tool-call router for one room.
type Dispatcher struct {
	store    *room.Store
	tasks    *service.Service
	registry *session.Registry
	locks    *lock.Manager
	planning *planning.Store
	notifier *events.Notifier
	features *features.Set
	recorder *telemetry.Recorder // nil when telemetry is disabled
	cfg      Config
	log      *logger.Logger

	tools     map[string]*toolEntry
	toolOrder []string
}

// New wires a dispatcher. recorder may be nil.
func New(
	store *room.Store,
	tasks *service.Service,
	registry *session.Registry,
	locks *lock.Manager,
	planStore *planning.Store,
	notifier *events.Notifier,
	featureSet *features.Set,
	recorder *telemetry.Recorder,
	cfg Config,
	log *logger.Logger,
) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	if cfg.ZombieThreshold <= 0 {
		cfg.ZombieThreshold = room.DefaultZombieThreshold
	}
	if cfg.GCDays <= 0 {
		cfg.GCDays = 7
	}
	d := &Dispatcher{
		store:    store,
		tasks:    tasks,
		registry: registry,
		locks:    locks,
		planning: planStore,
		notifier: notifier,
		features: featureSet,
		recorder: recorder,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "dispatcher")),
	}
	d.registerTools()
	return d
}

// Features exposes the enabled-category set for tools/list filtering.
func (d *Dispatcher) Features() *features.Set { return d.features }

// Tools returns the advertised tool schemas, filtered by enabled
// categories, in registration order.
func (d *Dispatcher) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(d.toolOrder))
	for _, name := range d.toolOrder {
		e := d.tools[name]
		if d.features.Enabled(e.category) {
			out = append(out, e.tool)
		}
	}
	return out
}

// Dispatch runs one tool call end to end and always returns a result:
// domain and validation failures become tool errors, never Go errors.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, name string, args map[string]any) (result *mcp.CallToolResult) {
	start := time.Now()
	log := d.log.WithTool(name)

	entry, ok := d.tools[name]
	if !ok || !d.features.Enabled(entry.category) {
		return mcp.NewToolResultError("Unknown tool: " + name)
	}

	ctx, span := telemetry.Tracer("dispatch").Start(ctx, "tools/call "+name)
	defer span.End()
	ctx = WithSessionID(ctx, sessionID)

	if args == nil {
		args = map[string]any{}
	}
	agent, err := d.resolveAgent(ctx, sessionID, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	log = log.WithAgent(agent)

	defer func() {
		if r := recover(); r != nil {
			log.Error("tool handler panicked", zap.Any("panic", r))
			result = mcp.NewToolResultError(fmt.Sprintf("Internal error in %s: %v", name, r))
		}
		d.observe(ctx, log, agent, name, result, time.Since(start))
	}()

	if err := d.gate(ctx, entry, agent); err != nil {
		return mcp.NewToolResultError(err.Error())
	}

	// Every dispatched call counts as liveness.
	d.store.TouchAgent(ctx, agent)
	d.registry.TouchActivity(agent)

	if err := entry.validate(args); err != nil {
		return mcp.NewToolResultError(err.Error())
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := entry.handler(ctx, agent, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return res
}

// gate enforces the write-tool preconditions: registration, join, rate
// limit, and (with the auth category on) the admin role.
func (d *Dispatcher) gate(ctx context.Context, entry *toolEntry, agent string) error {
	if entry.write {
		d.registry.Register(agent)
	}
	if entry.joinGated {
		st, err := d.store.LoadState(ctx)
		if err != nil {
			return err
		}
		if !st.HasAgent(agent) {
			return room.NewValidationError(
				"❌ Join required: %s is not in this room. Call masc_join first.", agent)
		}
	}
	role := d.agentRole(ctx, agent)
	if entry.admin && d.features.Enabled(features.Auth) && role != room.RoleAdmin {
		return room.NewAuthForbidden()
	}
	if entry.write && entry.rate != "" && d.features.Enabled(features.RateLimit) {
		if allowed, wait := d.registry.CheckRateLimit(agent, entry.rate, role); !allowed {
			return room.NewRateLimited(wait)
		}
	}
	return nil
}

func (d *Dispatcher) agentRole(ctx context.Context, agent string) room.AgentRole {
	a, err := d.store.LoadAgent(ctx, agent)
	if err != nil {
		return room.RoleWorker
	}
	if a.Role == "" {
		return room.RoleWorker
	}
	return a.Role
}

// resolveAgent decides which identity a call acts as: the explicit
// agent_name argument, then the session identity file, then the terminal
// identity file, then a fresh generated name persisted for the session.
func (d *Dispatcher) resolveAgent(ctx context.Context, sessionID string, args map[string]any) (string, error) {
	if v, ok := args["agent_name"].(string); ok && strings.TrimSpace(v) != "" {
		name := strings.TrimSpace(v)
		if !room.ValidAgentName(name) {
			return "", room.NewValidationError("invalid agent name: %s", name)
		}
		return name, nil
	}
	if name, ok := d.store.SessionAgent(ctx, sessionID); ok {
		return name, nil
	}
	if term := os.Getenv("TERM_SESSION_ID"); term != "" {
		if name, ok := d.store.SessionAgent(ctx, "term_"+term); ok {
			return name, nil
		}
	}
	name := "agent-" + uuid.NewString()[:8]
	if err := d.store.SaveSessionAgent(ctx, sessionID, name); err != nil {
		d.log.Warn("session identity persist failed", zap.Error(err))
	}
	return name, nil
}

// observe emits the per-call audit event, log line, and telemetry row.
func (d *Dispatcher) observe(ctx context.Context, log *logger.Logger, agent, name string, result *mcp.CallToolResult, took time.Duration) {
	success := result != nil && !result.IsError
	if d.notifier != nil {
		d.notifier.Audit(ctx, room.AuditEvent{
			Timestamp: time.Now().UTC(),
			Agent:     agent,
			EventType: events.ToolCalled,
			Success:   success,
			Detail:    name,
		})
	}
	log.Info("tool call",
		zap.Bool("success", success),
		zap.Duration("took", took),
		zap.String("result", preview(resultText(result), 80)))
	if d.recorder != nil {
		if err := d.recorder.Record(ctx, name, agent, success, took); err != nil {
			log.Warn("telemetry record failed", zap.Error(err))
		}
	}
}

// resultText extracts the first text content of a tool result.
func resultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// preview collapses newlines and clips s to n runes for one-line logging.
func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n]) + "…"
	}
	return s
}
