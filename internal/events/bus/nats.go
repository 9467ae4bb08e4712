package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/common/config"
	"github.com/masc-dev/masc/internal/common/logger"
)

// NATSEventBus bridges room events across processes through NATS.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSEventBus connects to NATS with reconnection handling.
func NewNATSEventBus(cfg config.BusConfig, log *logger.Logger) (*NATSEventBus, error) {
	opts := []nats.Option{
		nats.Name("masc"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", zap.String("url", cfg.NATSURL))
	return &NATSEventBus{conn: conn, logger: log}, nil
}

// Publish sends event to subject.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe registers handler for a subject pattern.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("Failed to unmarshal event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("Event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains pending messages, then closes the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports the connection status.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
