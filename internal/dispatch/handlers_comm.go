package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/masc-dev/masc/internal/room"
)

func (d *Dispatcher) handleBroadcast(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	msg, err := d.store.AppendMessage(ctx, agent, room.MessageBroadcast, content, "")
	if err != nil {
		return nil, err
	}
	d.notifier.Deliver(ctx, msg)
	return mcp.NewToolResultText(fmt.Sprintf("📢 Message #%d broadcast", msg.Seq)), nil
}

func (d *Dispatcher) handleMention(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireString("target")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	content, err := req.RequireString("content")
	if err != nil {
		return nil, room.NewValidationError("%s", err.Error())
	}
	if _, err := d.store.LoadAgent(ctx, target); err != nil {
		return nil, err
	}
	msg, err := d.store.AppendMessage(ctx, agent, room.MessageMention, content, target)
	if err != nil {
		return nil, err
	}
	d.notifier.Deliver(ctx, msg)
	return mcp.NewToolResultText(fmt.Sprintf("📨 Message #%d sent to %s", msg.Seq, target)), nil
}

func (d *Dispatcher) handleReadMessages(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sinceSeq := int64(req.GetFloat("since_seq", 0))
	limit := int(req.GetFloat("limit", 20))
	msgs, err := d.store.Messages(ctx, sinceSeq, limit)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(renderMessages(msgs)), nil
}

func (d *Dispatcher) handleWaitForMessage(ctx context.Context, agent string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	timeout := time.Duration(req.GetFloat("timeout_seconds", 30)) * time.Second
	msg, err := d.registry.WaitForMessage(ctx, agent, timeout)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return mcp.NewToolResultText("No message received (timeout)"), nil
	}
	return mcp.NewToolResultText(renderMessage(*msg)), nil
}
