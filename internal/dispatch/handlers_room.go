package dispatch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/masc-dev/masc/internal/events"
	"github.com/masc-dev/masc/internal/room"
)

func (d *Dispatcher) handleInit(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project := req.GetString("project", "")
	created, err := d.store.Init(ctx, project)
	if err != nil {
		return nil, err
	}
	if !created {
		return mcp.NewToolResultText("Room already initialized"), nil
	}
	_, _ = d.store.MutateRegistry(ctx, func(reg *room.Registry) error {
		for _, r := range reg.Rooms {
			if r.Base == d.store.Base() {
				return nil
			}
		}
		reg.Rooms = append(reg.Rooms, room.RegistryEntry{
			Name:      project,
			Base:      d.store.Base(),
			Project:   project,
			CreatedAt: time.Now().UTC(),
		})
		return nil
	})
	_ = d.store.SetMarker(ctx, room.CurrentRoomKey, d.store.Base())
	d.notifier.Publish(ctx, events.RoomInitialized, agent, map[string]any{"project": project})
	if project != "" {
		return mcp.NewToolResultText(fmt.Sprintf("🏠 Room initialized (project %s)", project)), nil
	}
	return mcp.NewToolResultText("🏠 Room initialized"), nil
}

func (d *Dispatcher) handleStatus(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := d.renderStatus(ctx)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(text), nil
}

func (d *Dispatcher) handlePause(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := req.GetString("reason", "")
	_, err := d.store.MutateState(ctx, func(st *room.State) error {
		if st.Paused {
			return room.NewValidationError("Room is already paused (by %s)", st.PausedBy)
		}
		st.Paused = true
		st.PausedBy = agent
		st.PauseReason = reason
		st.PausedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.notifier.SystemMessage(ctx, fmt.Sprintf("⏸️ Room paused by %s", agent))
	d.notifier.Publish(ctx, events.RoomPaused, agent, map[string]any{"reason": reason})
	return mcp.NewToolResultText("⏸️ Room paused"), nil
}

func (d *Dispatcher) handleResume(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, err := d.store.MutateState(ctx, func(st *room.State) error {
		if !st.Paused {
			return room.NewValidationError("Room is not paused")
		}
		st.Paused = false
		st.PausedBy = ""
		st.PauseReason = ""
		st.PausedAt = time.Time{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.notifier.SystemMessage(ctx, fmt.Sprintf("▶️ Room resumed by %s", agent))
	d.notifier.Publish(ctx, events.RoomResumed, agent, nil)
	return mcp.NewToolResultText("▶️ Room resumed"), nil
}

// ensureNotPaused guards task mutations while the room is paused.
func (d *Dispatcher) ensureNotPaused(ctx context.Context) error {
	st, err := d.store.LoadState(ctx)
	if err != nil {
		return err
	}
	if st.Paused {
		reason := st.PauseReason
		if reason == "" {
			reason = "no reason given"
		}
		return room.NewValidationError("⏸️ Room is paused by %s (%s)", st.PausedBy, reason)
	}
	return nil
}

func (d *Dispatcher) handleJoin(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !d.store.Initialized(ctx) {
		return nil, room.NewNotInitialized()
	}

	name := strings.TrimSpace(req.GetString("name", ""))
	agentType := strings.TrimSpace(req.GetString("agent_type", ""))
	switch {
	case name != "":
		if !room.ValidAgentName(name) {
			return nil, room.NewValidationError("invalid agent name: %s", name)
		}
	case agentType != "":
		name = room.GenerateNickname(agentType, func(candidate string) bool {
			_, err := d.store.LoadAgent(ctx, candidate)
			return err == nil
		})
	default:
		// The resolved identity (session file or generated) becomes the name.
		name = agent
	}

	role := room.AgentRole(req.GetString("role", string(room.RoleWorker)))
	switch role {
	case room.RoleReader, room.RoleWorker, room.RoleAdmin:
	default:
		return nil, room.NewValidationError("invalid role: %s", role)
	}

	var capabilities []string
	if raw, ok := req.GetArguments()["capabilities"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok && s != "" {
				capabilities = append(capabilities, s)
			}
		}
	}

	now := time.Now().UTC()
	hostname, _ := os.Hostname()
	rec := &room.Agent{
		Name:         name,
		AgentType:    agentType,
		Status:       room.AgentActive,
		Role:         role,
		Capabilities: capabilities,
		JoinedAt:     now,
		LastSeen:     now,
		PID:          os.Getpid(),
		Hostname:     hostname,
		Worktree:     req.GetString("worktree", ""),
	}
	if existing, err := d.store.LoadAgent(ctx, name); err == nil {
		// Rejoin keeps the original join time and any current task.
		rec.JoinedAt = existing.JoinedAt
		rec.CurrentTask = existing.CurrentTask
	}
	if err := d.store.SaveAgent(ctx, rec); err != nil {
		return nil, err
	}
	if _, err := d.store.MutateState(ctx, func(st *room.State) error {
		st.AddAgent(name)
		return nil
	}); err != nil {
		return nil, err
	}
	d.registry.Register(name)
	// The session identity follows the joined name so later calls without
	// agent_name act as it.
	if sid := sessionIDFrom(ctx); sid != "" {
		_ = d.store.SaveSessionAgent(ctx, sid, name)
	}
	d.notifier.SystemMessage(ctx, fmt.Sprintf("👋 %s joined the room", name))
	d.notifier.Publish(ctx, events.AgentJoined, name, map[string]any{"role": string(role)})
	return mcp.NewToolResultText(fmt.Sprintf("✅ Joined as %s (role %s)", name, role)), nil
}

func (d *Dispatcher) handleLeave(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := d.store.MutateState(ctx, func(st *room.State) error {
		st.RemoveAgent(agent)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := d.store.DeleteAgent(ctx, agent); err != nil {
		return nil, err
	}
	d.registry.Unregister(agent)
	d.notifier.SystemMessage(ctx, fmt.Sprintf("👋 %s left the room", agent))
	d.notifier.Publish(ctx, events.AgentLeft, agent, nil)
	return mcp.NewToolResultText(fmt.Sprintf("Left the room as %s", agent)), nil
}

func (d *Dispatcher) handleHeartbeat(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	// Dispatch already touched last_seen; this answers with the fresh record.
	a, err := d.store.LoadAgent(ctx, agent)
	if err != nil {
		return nil, err
	}
	d.notifier.Publish(ctx, events.AgentSeen, agent, nil)
	return mcp.NewToolResultText(fmt.Sprintf("💓 %s last_seen %s",
		agent, a.LastSeen.Format(time.RFC3339))), nil
}

func (d *Dispatcher) handleAgents(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statuses, err := d.registry.Statuses(ctx, d.store, d.cfg.ZombieThreshold)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(renderAgents(statuses)), nil
}

// sessionIDKey carries the transport session id through the call context.
type sessionIDKey struct{}

// WithSessionID tags ctx with the transport session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

func sessionIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}
