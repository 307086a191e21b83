package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/events/bus"
	ws "github.com/dockhand/dockhand/pkg/websocket"
)

// Broadcaster bridges bus events onto the hub as websocket notifications.
type Broadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	log           *logger.Logger
}

// RegisterNotifications subscribes the hub to every session subject. The
// subscriptions are released when the context ends.
func RegisterNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Broadcaster {
	b := &Broadcaster{
		hub: hub,
		log: log.WithFields(zap.String("component", "ws_broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildSessionStatusWildcardSubject(), ws.ActionSessionStatus)
	b.subscribe(eventBus, events.BuildSessionMessagesWildcardSubject(), ws.ActionSessionMessage)
	b.subscribe(eventBus, events.BuildSessionAgentWildcardSubject(), ws.ActionSessionAgent)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close releases the bus subscriptions.
func (b *Broadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *Broadcaster) subscribe(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		sessionID := extractSessionID(event.Data)
		if sessionID == "" {
			return nil
		}
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.log.Error("failed to build websocket notification",
				zap.String("action", action), zap.Error(err))
			return nil
		}
		b.hub.BroadcastToSession(sessionID, msg)
		return nil
	})
	if err != nil {
		b.log.Error("failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// extractSessionID pulls the session id out of a payload, whether it is the
// typed in-memory form or decoded JSON from NATS.
func extractSessionID(data any) string {
	if data == nil {
		return ""
	}
	if typed, ok := data.(interface{ GetSessionID() string }); ok {
		return typed.GetSessionID()
	}
	if m, ok := data.(map[string]any); ok {
		if sessionID, ok := m["session_id"].(string); ok {
			return sessionID
		}
	}
	return ""
}
