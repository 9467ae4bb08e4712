package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/masc-dev/masc/internal/events"
	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/session"
)

// --- planning ---

func (d *Dispatcher) handlePlanSet(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	plan, err := req.RequireString("plan")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	if _, err := d.planning.SetPlan(ctx, taskID, plan); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("📋 Plan set for %s", taskID)), nil
}

func (d *Dispatcher) handlePlanGet(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	pc, err := d.planning.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(renderPlanningContext(pc)), nil
}

func (d *Dispatcher) handleNoteAdd(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	note, err := req.RequireString("note")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	pc, err := d.planning.AddNote(ctx, taskID, note)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("📝 Note %d added to %s", len(pc.Notes), taskID)), nil
}

func (d *Dispatcher) handleErrorLog(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	message, err := req.RequireString("message")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	pc, err := d.planning.LogError(ctx, taskID,
		req.GetString("type", "error"), message, req.GetString("context", ""))
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("🚨 Error %d logged for %s", len(pc.Errors)-1, taskID)), nil
}

func (d *Dispatcher) handleErrorResolve(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	if _, present := req.GetArguments()["index"]; !present {
		return nil, room.NewValidationError("index is required")
	}
	index := int(req.GetFloat("index", 0))
	if _, err := d.planning.ResolveError(ctx, taskID, index); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("✔️ Error %d resolved for %s", index, taskID)), nil
}

func (d *Dispatcher) handleDeliverableSet(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	deliverable, err := req.RequireString("deliverable")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	if _, err := d.planning.SetDeliverable(ctx, taskID, deliverable); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("📦 Deliverable set for %s", taskID)), nil
}

// --- resource locks ---

func (d *Dispatcher) handleLock(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	owner := req.GetString("owner", agent)
	ttl := time.Duration(req.GetFloat("ttl_seconds", 0)) * time.Second
	rec, err := d.locks.Acquire(ctx, resource, owner, ttl)
	if err != nil {
		return nil, err
	}
	d.notifier.Publish(ctx, events.LockAcquired, owner, map[string]any{"resource": resource})
	return mcp.NewToolResultText(fmt.Sprintf("🔒 %s locked by %s until %s",
		rec.Resource, rec.Owner, rec.ExpiresAt.Format(time.RFC3339))), nil
}

func (d *Dispatcher) handleUnlock(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	owner := req.GetString("owner", agent)
	if err := d.locks.Release(ctx, resource, owner); err != nil {
		return nil, err
	}
	d.notifier.Publish(ctx, events.LockReleased, owner, map[string]any{"resource": resource})
	return mcp.NewToolResultText(fmt.Sprintf("🔓 %s unlocked", resource)), nil
}

func (d *Dispatcher) handleLocks(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records, err := d.locks.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return mcp.NewToolResultText("No live locks"), nil
	}
	var b strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&b, "🔒 %s — %s (expires %s)\n",
			rec.Resource, rec.Owner, rec.ExpiresAt.Format(time.RFC3339))
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

// --- worktree / health / discovery ---

func (d *Dispatcher) handleWorktreeList(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	worktrees, err := d.collectWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	if len(worktrees) == 0 {
		return mcp.NewToolResultText("No worktrees referenced"), nil
	}
	var b strings.Builder
	for _, wt := range worktrees {
		fmt.Fprintf(&b, "🌿 %s\n", wt)
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

// collectWorktrees gathers the distinct worktrees referenced by agent
// records and backlog tasks, sorted.
func (d *Dispatcher) collectWorktrees(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.Worktree != "" {
			seen[a.Worktree] = true
		}
	}
	if backlog, err := d.tasks.List(ctx); err == nil {
		for _, t := range backlog.Tasks {
			if t.Worktree != "" {
				seen[t.Worktree] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for wt := range seen {
		out = append(out, wt)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Dispatcher) handleHealth(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	b.WriteString("MASC health\n")
	fmt.Fprintf(&b, "  room initialized: %v\n", d.store.Initialized(ctx))
	fmt.Fprintf(&b, "  event bus connected: %v\n", d.notifier.Connected())
	if agents, err := d.store.ListAgents(ctx); err == nil {
		fmt.Fprintf(&b, "  agents: %d\n", len(agents))
	}
	if backlog, err := d.tasks.List(ctx); err == nil {
		fmt.Fprintf(&b, "  backlog: %d tasks (version %d)\n", len(backlog.Tasks), backlog.Version)
	}
	if d.recorder != nil {
		if summary, err := d.recorder.Summary(ctx); err == nil && len(summary) > 0 {
			b.WriteString("  tool calls:\n")
			for _, row := range summary {
				fmt.Fprintf(&b, "    %s: %d calls, %d failures, avg %.1f ms\n",
					row.Tool, row.Calls, row.Failures, row.AvgMillis)
			}
		}
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func (d *Dispatcher) handleDiscover(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reg, err := d.store.LoadRegistry(ctx)
	if err != nil {
		return nil, err
	}
	if len(reg.Rooms) == 0 {
		return mcp.NewToolResultText("No rooms registered"), nil
	}
	var b strings.Builder
	for _, r := range reg.Rooms {
		name := r.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&b, "🏠 %s — %s\n", name, r.Base)
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func (d *Dispatcher) handleWhois(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	a, err := d.store.LoadAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, role %s)\n", a.Name, orDash(a.AgentType), a.Role)
	fmt.Fprintf(&b, "  status: %s", a.Status)
	if a.CurrentTask != "" {
		fmt.Fprintf(&b, " on %s", a.CurrentTask)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  joined: %s\n", a.JoinedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "  last seen: %s\n", a.LastSeen.Format(time.RFC3339))
	if len(a.Capabilities) > 0 {
		fmt.Fprintf(&b, "  capabilities: %s\n", strings.Join(a.Capabilities, ", "))
	}
	if a.Worktree != "" {
		fmt.Fprintf(&b, "  worktree: %s\n", a.Worktree)
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

// --- voting ---

func (d *Dispatcher) handleVoteStart(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic, err := req.RequireString("topic")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	raw, ok := req.GetArguments()["options"].([]any)
	if !ok {
		return nil, room.NewValidationError("options must be an array of strings")
	}
	options := make([]string, 0, len(raw))
	for _, o := range raw {
		if s, ok := o.(string); ok && strings.TrimSpace(s) != "" {
			options = append(options, s)
		}
	}
	if len(options) < 2 {
		return nil, room.NewValidationError("a vote needs at least two options")
	}

	var vote room.Vote
	_, err = d.store.MutateVotes(ctx, func(doc *room.VotesDoc) error {
		max := 0
		for _, v := range doc.Votes {
			if n := voteIDNumber(v.ID); n > max {
				max = n
			}
		}
		vote = room.Vote{
			ID:       fmt.Sprintf("vote-%03d", max+1),
			Topic:    topic,
			Options:  options,
			OpenedBy: agent,
			OpenedAt: time.Now().UTC(),
			Ballots:  map[string]string{},
		}
		if secs := req.GetFloat("closes_in_seconds", 0); secs > 0 {
			vote.ClosesAt = vote.OpenedAt.Add(time.Duration(secs) * time.Second)
		}
		doc.Votes = append(doc.Votes, vote)
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.notifier.SystemMessage(ctx, fmt.Sprintf("🗳️ %s opened %s: %s [%s]",
		agent, vote.ID, topic, strings.Join(options, " | ")))
	return mcp.NewToolResultText(fmt.Sprintf("🗳️ %s opened: %s", vote.ID, topic)), nil
}

func (d *Dispatcher) handleVoteCast(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	voteID, err := req.RequireString("vote_id")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	option, err := req.RequireString("option")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	_, err = d.store.MutateVotes(ctx, func(doc *room.VotesDoc) error {
		for i := range doc.Votes {
			v := &doc.Votes[i]
			if v.ID != voteID {
				continue
			}
			if v.Closed || (!v.ClosesAt.IsZero() && time.Now().UTC().After(v.ClosesAt)) {
				return room.NewValidationError("%s is closed", voteID)
			}
			for _, o := range v.Options {
				if o == option {
					if v.Ballots == nil {
						v.Ballots = map[string]string{}
					}
					v.Ballots[agent] = option
					return nil
				}
			}
			return room.NewValidationError("%q is not an option of %s (options: %s)",
				option, voteID, strings.Join(v.Options, ", "))
		}
		return room.NewValidationError("vote %s not found", voteID)
	})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("🗳️ Ballot recorded: %s → %q", voteID, option)), nil
}

func (d *Dispatcher) handleVoteStatus(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := d.store.LoadVotes(ctx)
	if err != nil {
		return nil, err
	}
	voteID := req.GetString("vote_id", "")
	var b strings.Builder
	found := false
	for _, v := range doc.Votes {
		if voteID != "" && v.ID != voteID {
			continue
		}
		found = true
		b.WriteString(renderVote(v))
		b.WriteString("\n")
	}
	if !found {
		if voteID != "" {
			return nil, room.NewValidationError("vote %s not found", voteID)
		}
		return mcp.NewToolResultText("No votes"), nil
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func voteIDNumber(id string) int {
	rest, ok := strings.CutPrefix(id, "vote-")
	if !ok {
		return 0
	}
	n := 0
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// --- interrupt / ratelimit ---

func (d *Dispatcher) handleInterrupt(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireString("target")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	if !d.registry.Interrupt(target) {
		return mcp.NewToolResultText(fmt.Sprintf("%s has no live session to interrupt", target)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("⚡ Interrupted %s", target)), nil
}

func (d *Dispatcher) handleRateStatus(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := d.agentRole(ctx, agent)
	tokens := d.registry.RateStatus(agent, role)
	if tokens == nil {
		return mcp.NewToolResultText(fmt.Sprintf("%s has no live session (no tokens consumed yet)", agent)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Rate headroom for %s (role %s):\n", agent, role)
	for _, cat := range []session.Category{
		session.CategoryGeneral, session.CategoryBroadcast,
		session.CategoryTaskOps, session.CategoryFileLock,
	} {
		fmt.Fprintf(&b, "  %s: %.1f tokens\n", cat, tokens[cat])
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
