package events

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/events/bus"
)

// Subscriber is one SSE or WebSocket consumer of the room event stream.
// Events arrive on Ch; a full channel detaches the subscriber.
type Subscriber struct {
	ID     string
	Filter string // event-type prefix filter; empty matches everything
	Ch     chan *bus.Event
}

// Hub fans bus events out to transport-held subscribers. The transport
// adds a subscriber on connection open and removes it on close.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
	log  *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		subs: make(map[string]*Subscriber),
		log:  log.WithFields(zap.String("component", "event_hub")),
	}
}

// AttachBus subscribes the hub to every room subject on the bus.
func (h *Hub) AttachBus(b bus.EventBus, cluster string) (bus.Subscription, error) {
	return b.Subscribe(SubjectAll(cluster), func(_ context.Context, e *bus.Event) error {
		h.Broadcast(e)
		return nil
	})
}

// Add registers a subscriber with the given buffer size.
func (h *Hub) Add(id, filter string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscriber{ID: id, Filter: filter, Ch: make(chan *bus.Event, buffer)}
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	h.log.Debug("subscriber added", zap.String("id", id))
	return sub
}

// Remove detaches a subscriber and closes its channel.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(sub.Ch)
		h.log.Debug("subscriber removed", zap.String("id", id))
	}
}

// Broadcast pushes event to every matching subscriber. Broadcast iterates
// a snapshot so a slow consumer cannot block add/remove; a subscriber
// whose channel is full is detached.
func (h *Hub) Broadcast(event *bus.Event) {
	h.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.Unlock()

	for _, sub := range snapshot {
		if sub.Filter != "" && !strings.HasPrefix(event.Type, sub.Filter) {
			continue
		}
		select {
		case sub.Ch <- event:
		default:
			h.log.Warn("subscriber stalled, detaching", zap.String("id", sub.ID))
			h.Remove(sub.ID)
		}
	}
}

// Count reports the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
