package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
)

const natsReconnectWait = 2 * time.Second

// NATSEventBus carries events over a NATS connection, for deployments where
// subscribers live outside this process.
type NATSEventBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSEventBus connects to the configured server. The connection
// reconnects on its own and buffers published events while it does.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("nats connection closed", zap.Error(nc.LastError()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("nats error", zap.String("subject", sub.Subject), zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	log.Info("connected to nats", zap.String("url", cfg.URL))
	return &NATSEventBus{conn: conn, log: log}, nil
}

// Publish marshals the event and sends it to the subject.
func (b *NATSEventBus) Publish(_ context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for a subject pattern. NATS evaluates the
// wildcards server-side with the same semantics as the memory bus.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Error("failed to decode event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.log.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSub{sub: sub}, nil
}

// Close drains pending messages before closing the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.log.Warn("failed to drain nats connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports the connection state.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSub) IsValid() bool {
	return s.sub.IsValid()
}
