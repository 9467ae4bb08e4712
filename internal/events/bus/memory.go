package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/common/logger"
)

// MemoryEventBus fans events out to in-process subscribers.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler EventHandler
	mu      sync.Mutex
	active  bool
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid reports whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish delivers event to every subscriber whose pattern matches subject.
// Handlers run on their own goroutines; a failing handler is logged, never
// propagated to the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active || !matches(subject, pattern, sub.pattern) {
				continue
			}
			go func(s *memorySubscription, e *Event) {
				if err := s.handler(ctx, e); err != nil {
					b.logger.Error("event handler error",
						zap.String("subject", subject),
						zap.Error(err))
				}
			}(sub, event)
		}
	}
	return nil
}

// Subscribe registers handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

// Close deactivates every subscription.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern (* single token, > rest)
// into a regexp; exact subjects return nil.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
