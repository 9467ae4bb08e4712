package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/masc-dev/masc/internal/planning"
	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/session"
	"github.com/masc-dev/masc/internal/task/models"
)

// renderStatus assembles the masc_status panel from the state document,
// presence, and backlog counts.
func (d *Dispatcher) renderStatus(ctx context.Context) (string, error) {
	if !d.store.Initialized(ctx) {
		return "Room not initialized. Call masc_init first.", nil
	}
	st, err := d.store.LoadState(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	project := st.Project
	if project == "" {
		project = "(unnamed)"
	}
	fmt.Fprintf(&b, "🏠 Room: %s (protocol %s, mode %s)\n", project, st.ProtocolVersion, d.features.Mode())
	if st.Paused {
		fmt.Fprintf(&b, "⏸️ PAUSED by %s", st.PausedBy)
		if st.PauseReason != "" {
			fmt.Fprintf(&b, " (%s)", st.PauseReason)
		}
		b.WriteString("\n")
	}

	statuses, err := d.registry.Statuses(ctx, d.store, d.cfg.ZombieThreshold)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "\nAgents (%d):\n", len(statuses))
	if len(statuses) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, a := range statuses {
		b.WriteString("  " + agentLine(a) + "\n")
	}

	backlog, err := d.tasks.List(ctx)
	if err != nil {
		return "", err
	}
	counts := map[models.StatusState]int{}
	for _, t := range backlog.Tasks {
		counts[t.Status.State]++
	}
	fmt.Fprintf(&b, "\nTasks (%d, version %d): %d todo, %d claimed, %d in_progress, %d done, %d cancelled\n",
		len(backlog.Tasks), backlog.Version,
		counts[models.StateTodo], counts[models.StateClaimed], counts[models.StateInProgress],
		counts[models.StateDone], counts[models.StateCancelled])
	fmt.Fprintf(&b, "Messages: %d total", st.MessageSeq)
	return b.String(), nil
}

func renderAgents(statuses []session.AgentStatus) string {
	if len(statuses) == 0 {
		return "No agents in the room"
	}
	var b strings.Builder
	for _, a := range statuses {
		b.WriteString(agentLine(a) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func agentLine(a session.AgentStatus) string {
	icon := "🟢"
	switch {
	case a.Zombie:
		icon = "🧟"
	case a.Status == room.AgentListening:
		icon = "👂"
	case a.Status == room.AgentBusy:
		icon = "🔨"
	case a.Status == room.AgentInactive:
		icon = "⚪"
	}
	line := fmt.Sprintf("%s %s [%s]", icon, a.Name, a.Status)
	if a.CurrentTask != "" {
		line += " on " + a.CurrentTask
	}
	return line + fmt.Sprintf(" (seen %s)", a.LastSeen.Format(time.RFC3339))
}

// renderTasks lists open tasks first, ordered as stored, with effective
// priority shown when aging has moved it off the nominal value.
func renderTasks(backlog *models.Backlog) string {
	if len(backlog.Tasks) == 0 {
		return fmt.Sprintf("Backlog empty (version %d)", backlog.Version)
	}
	now := time.Now().UTC()
	var b strings.Builder
	fmt.Fprintf(&b, "Backlog (%d tasks, version %d):\n", len(backlog.Tasks), backlog.Version)
	for _, t := range backlog.Tasks {
		b.WriteString("  " + taskLine(&t, now) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func taskLine(t *models.Task, now time.Time) string {
	prio := fmt.Sprintf("P%d", t.Priority)
	if eff := t.EffectivePriority(now); eff != t.Priority {
		prio = fmt.Sprintf("P%d→%d", t.Priority, eff)
	}
	line := fmt.Sprintf("%s [%s] %s: %s", t.ID, prio, t.Status.State, t.Title)
	if t.Status.Assignee != "" {
		line += " (" + t.Status.Assignee + ")"
	}
	return line
}

func renderTask(t *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [P%d] %s\n", t.ID, t.Priority, t.Title)
	fmt.Fprintf(&b, "  state: %s", t.Status.State)
	if t.Status.Assignee != "" {
		fmt.Fprintf(&b, " (assignee %s)", t.Status.Assignee)
	}
	b.WriteString("\n")
	if t.Description != "" {
		fmt.Fprintf(&b, "  description: %s\n", t.Description)
	}
	if t.Worktree != "" {
		fmt.Fprintf(&b, "  worktree: %s\n", t.Worktree)
	}
	if t.Status.Notes != "" {
		fmt.Fprintf(&b, "  notes: %s\n", t.Status.Notes)
	}
	if t.Status.Reason != "" {
		fmt.Fprintf(&b, "  reason: %s\n", t.Status.Reason)
	}
	fmt.Fprintf(&b, "  created: %s", t.CreatedAt.Format(time.RFC3339))
	return b.String()
}

func renderMessages(msgs []room.Message) string {
	if len(msgs) == 0 {
		return "No messages"
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(renderMessage(m) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderMessage(m room.Message) string {
	icon := "💬"
	switch m.Type {
	case room.MessageBroadcast:
		icon = "📢"
	case room.MessageMention:
		icon = "📨"
	case room.MessageSystem:
		icon = "⚙️"
	}
	line := fmt.Sprintf("%s #%d %s", icon, m.Seq, m.FromAgent)
	if m.Mention != "" {
		line += " → @" + m.Mention
	}
	return fmt.Sprintf("%s [%s]: %s", line, m.Timestamp.Format("15:04:05"), m.Content)
}

func renderPlanningContext(pc *planning.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Planning context for %s\n", pc.TaskID)
	if pc.TaskPlan != "" {
		fmt.Fprintf(&b, "📋 Plan:\n%s\n", pc.TaskPlan)
	}
	if len(pc.Notes) > 0 {
		b.WriteString("📝 Notes:\n")
		for i, n := range pc.Notes {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, n)
		}
	}
	if len(pc.Errors) > 0 {
		b.WriteString("🚨 Errors:\n")
		for i, e := range pc.Errors {
			mark := " "
			if e.Resolved {
				mark = "✔"
			}
			fmt.Fprintf(&b, "  [%d]%s %s: %s\n", i, mark, e.Type, e.Message)
		}
	}
	if pc.Deliverable != "" {
		fmt.Fprintf(&b, "📦 Deliverable:\n%s\n", pc.Deliverable)
	}
	if pc.TaskPlan == "" && len(pc.Notes) == 0 && len(pc.Errors) == 0 && pc.Deliverable == "" {
		b.WriteString("(empty)")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderVote(v room.Vote) string {
	var b strings.Builder
	state := "open"
	if v.Closed || (!v.ClosesAt.IsZero() && time.Now().UTC().After(v.ClosesAt)) {
		state = "closed"
	}
	fmt.Fprintf(&b, "🗳️ %s (%s) by %s: %s\n", v.ID, state, v.OpenedBy, v.Topic)
	tally := map[string]int{}
	for _, option := range v.Ballots {
		tally[option]++
	}
	for _, option := range v.Options {
		fmt.Fprintf(&b, "  %s: %d\n", option, tally[option])
	}
	fmt.Fprintf(&b, "  ballots: %d", len(v.Ballots))
	return b.String()
}
