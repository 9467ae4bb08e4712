package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/events/bus"
	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/session"
)

// Notifier is the side-effect sink for room mutations: durable system
// messages, live mailbox delivery, audit entries, and bus events. It
// satisfies the task service's Notifier interface.
type Notifier struct {
	store    *room.Store
	registry *session.Registry
	auditor  *Auditor
	bus      bus.EventBus
	cluster  string
	log      *logger.Logger
}

// NewNotifier wires the sinks together. registry and b may be nil when a
// caller only needs the durable half.
func NewNotifier(store *room.Store, registry *session.Registry, auditor *Auditor, b bus.EventBus, cluster string, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.Default()
	}
	return &Notifier{
		store:    store,
		registry: registry,
		auditor:  auditor,
		bus:      b,
		cluster:  cluster,
		log:      log,
	}
}

// SystemMessage appends a system-origin message to the room and pushes it
// to connected mailboxes. Failures are logged, never propagated.
func (n *Notifier) SystemMessage(ctx context.Context, content string) {
	msg, err := n.store.AppendMessage(ctx, "system", room.MessageSystem, content, "")
	if err != nil {
		n.log.Warn("system message append failed", zap.Error(err))
		return
	}
	if n.registry != nil {
		n.registry.PushMessage(*msg)
	}
	n.publish(ctx, MessagePosted, "system", map[string]any{
		"seq":     msg.Seq,
		"type":    msg.Type,
		"content": msg.Content,
	})
}

// Audit forwards ev to the governance log.
func (n *Notifier) Audit(ctx context.Context, ev room.AuditEvent) {
	if n.auditor != nil {
		n.auditor.Append(ctx, ev)
	}
	n.publish(ctx, ev.EventType, ev.Agent, map[string]any{
		"success": ev.Success,
		"detail":  ev.Detail,
	})
}

// Deliver pushes an agent-posted message to mailboxes and the bus after
// the store has persisted it.
func (n *Notifier) Deliver(ctx context.Context, msg *room.Message) {
	if n.registry != nil {
		n.registry.PushMessage(*msg)
	}
	data := map[string]any{
		"seq":     msg.Seq,
		"type":    msg.Type,
		"content": msg.Content,
	}
	if msg.Mention != "" {
		data["mention"] = msg.Mention
	}
	n.publish(ctx, MessagePosted, msg.FromAgent, data)
}

// Connected reports whether the event bus is up.
func (n *Notifier) Connected() bool {
	return n.bus != nil && n.bus.IsConnected()
}

// Publish emits a bare room event on the bus.
func (n *Notifier) Publish(ctx context.Context, eventType, source string, data map[string]any) {
	n.publish(ctx, eventType, source, data)
}

func (n *Notifier) publish(ctx context.Context, eventType, source string, data map[string]any) {
	if n.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, source, data)
	if err := n.bus.Publish(ctx, Subject(n.cluster, eventType), event); err != nil {
		n.log.Warn("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
