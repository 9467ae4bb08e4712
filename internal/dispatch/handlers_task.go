package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/masc-dev/masc/internal/events"
	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/task/models"
	"github.com/masc-dev/masc/internal/task/service"
)

func (d *Dispatcher) handleAddTask(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := d.ensureNotPaused(ctx); err != nil {
		return nil, err
	}
	title, err := req.RequireString("title")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	sp := service.Spec{
		Title:       title,
		Description: req.GetString("description", ""),
		Priority:    int(req.GetFloat("priority", 3)),
		Worktree:    req.GetString("worktree", ""),
	}
	task, err := d.tasks.Add(ctx, sp)
	if err != nil {
		return nil, err
	}
	d.notifier.Publish(ctx, events.TaskAdded, agent, map[string]any{"task_id": task.ID})
	return mcp.NewToolResultText(fmt.Sprintf("➕ %s added (P%d): %s", task.ID, task.Priority, task.Title)), nil
}

func (d *Dispatcher) handleAddTasks(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := d.ensureNotPaused(ctx); err != nil {
		return nil, err
	}
	raw, ok := req.GetArguments()["tasks"].([]any)
	if !ok || len(raw) == 0 {
		return nil, room.NewValidationError("tasks must be a non-empty array")
	}
	specs := make([]service.Spec, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, room.NewValidationError("tasks[%d] must be an object", i)
		}
		title, _ := obj["title"].(string)
		sp := service.Spec{Title: title, Priority: 3}
		if v, ok := obj["description"].(string); ok {
			sp.Description = v
		}
		if v, ok := obj["priority"].(float64); ok {
			sp.Priority = int(v)
		}
		if v, ok := obj["worktree"].(string); ok {
			sp.Worktree = v
		}
		specs = append(specs, sp)
	}
	added, err := d.tasks.AddBatch(ctx, specs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(added))
	for i, t := range added {
		ids[i] = t.ID
	}
	d.notifier.Publish(ctx, events.TaskAdded, agent, map[string]any{"task_ids": ids})
	return mcp.NewToolResultText(fmt.Sprintf("➕ Added %d tasks (%s … %s)",
		len(added), added[0].ID, added[len(added)-1].ID)), nil
}

func (d *Dispatcher) handleListTasks(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	backlog, err := d.tasks.List(ctx)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(renderTasks(backlog)), nil
}

func (d *Dispatcher) handleMyTask(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := d.tasks.MyTask(ctx, agent)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return mcp.NewToolResultText(fmt.Sprintf("No task assigned to %s", agent)), nil
	}
	return mcp.NewToolResultText(renderTask(task)), nil
}

func (d *Dispatcher) handleTransition(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := d.ensureNotPaused(ctx); err != nil {
		return nil, err
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	actionStr, err := req.RequireString("action")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	action, err := models.ParseAction(actionStr)
	if err != nil {
		return nil, err
	}
	return d.transition(ctx, agent, taskID, action, req)
}

func (d *Dispatcher) handleClaim(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := d.ensureNotPaused(ctx); err != nil {
		return nil, err
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	return d.transition(ctx, agent, taskID, models.ActionClaim, req)
}

func (d *Dispatcher) transition(ctx context.Context, agent, taskID string, action models.Action, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var expected *int64
	if _, present := req.GetArguments()["expected_version"]; present {
		v := int64(req.GetFloat("expected_version", 0))
		expected = &v
	}
	res, err := d.tasks.Transition(ctx, agent, taskID, action, expected,
		req.GetString("notes", ""), req.GetString("reason", ""))
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s %s %s → %s by %s (version %d)",
		service.StatusEmoji(res.Task.Status.State), res.Task.ID,
		res.PrevState, res.Task.Status.State, agent, res.Version)), nil
}

func (d *Dispatcher) handleClaimNext(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := d.ensureNotPaused(ctx); err != nil {
		return nil, err
	}
	res, err := d.tasks.ClaimNext(ctx, agent)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return mcp.NewToolResultText("No claimable tasks"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ %s todo → claimed by %s (version %d): %s",
		res.Task.ID, agent, res.Version, res.Task.Title)), nil
}

func (d *Dispatcher) handleGC(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := int(req.GetFloat("days", float64(d.cfg.GCDays)))
	report, err := d.tasks.GC(ctx, days, d.cfg.ZombieThreshold)
	if err != nil {
		return nil, err
	}
	d.notifier.Publish(ctx, events.GCRun, agent, map[string]any{
		"archived_tasks":   report.ArchivedTasks,
		"removed_messages": report.RemovedMessages,
		"removed_agents":   report.RemovedAgents,
	})
	return mcp.NewToolResultText(fmt.Sprintf(
		"🧹 GC done: %d tasks archived, %d messages removed, %d zombie agents removed, %d cache entries expired",
		report.ArchivedTasks, report.RemovedMessages, report.RemovedAgents, report.RemovedCache)), nil
}

func (d *Dispatcher) handleCacheSet(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	value, err := req.RequireString("value")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	ttl := time.Duration(req.GetFloat("ttl_seconds", 0)) * time.Second
	if err := d.store.CacheSet(ctx, key, value, ttl); err != nil {
		return nil, err
	}
	if ttl > 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Cached %q (expires in %s)", key, ttl)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Cached %q", key)), nil
}

func (d *Dispatcher) handleCacheGet(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	value, found, err := d.store.CacheGet(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return mcp.NewToolResultText(fmt.Sprintf("Cache miss: %q", key)), nil
	}
	return mcp.NewToolResultText(value), nil
}
