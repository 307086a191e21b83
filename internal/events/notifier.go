package events

import (
	"context"
	"fmt"

	"github.com/dockhand/dockhand/internal/events/bus"
)

// Notifier publishes session runtime events with stable identifiers.
// Message events reuse the message id and agent-state events derive
// their id from the session and state, so redelivery after a reconnect
// deduplicates cleanly downstream.
type Notifier struct {
	bus    bus.EventBus
	source string
}

// NewNotifier creates a Notifier publishing on the given bus.
func NewNotifier(b bus.EventBus, source string) *Notifier {
	return &Notifier{bus: b, source: source}
}

// MessageAdded publishes a newly persisted transcript message.
func (n *Notifier) MessageAdded(ctx context.Context, p *MessagePayload) error {
	ev := bus.NewEventWithID(p.MessageID, MessageAdded, n.source, p)
	return n.bus.Publish(ctx, BuildSessionMessagesSubject(p.SessionID), ev)
}

// MessageUpdated publishes an in-place change to a persisted message.
func (n *Notifier) MessageUpdated(ctx context.Context, p *MessagePayload) error {
	p.Updated = true
	ev := bus.NewEventWithID(p.MessageID, MessageUpdated, n.source, p)
	return n.bus.Publish(ctx, BuildSessionMessagesSubject(p.SessionID), ev)
}

// MessagePartial publishes a streaming snapshot. Snapshots carry Seq -1
// and never reach the database.
func (n *Notifier) MessagePartial(ctx context.Context, p *MessagePayload) error {
	p.Seq = -1
	ev := bus.NewEventWithID(p.MessageID, MessagePartial, n.source, p)
	return n.bus.Publish(ctx, BuildSessionMessagesSubject(p.SessionID), ev)
}

// SessionCreated publishes the birth of a session.
func (n *Notifier) SessionCreated(ctx context.Context, p *StatusPayload) error {
	ev := bus.NewEventWithID(p.SessionID+"-created", SessionCreated, n.source, p)
	return n.bus.Publish(ctx, BuildSessionStatusSubject(p.SessionID), ev)
}

// SessionDeleted publishes the removal of a session. It is the last event
// ever published on the session's subjects.
func (n *Notifier) SessionDeleted(ctx context.Context, sessionID string) error {
	p := &StatusPayload{SessionID: sessionID}
	ev := bus.NewEventWithID(sessionID+"-deleted", SessionDeleted, n.source, p)
	return n.bus.Publish(ctx, BuildSessionStatusSubject(sessionID), ev)
}

// StatusChanged publishes a session lifecycle transition.
func (n *Notifier) StatusChanged(ctx context.Context, p *StatusPayload) error {
	ev := bus.NewEvent(SessionStatusChanged, n.source, p)
	return n.bus.Publish(ctx, BuildSessionStatusSubject(p.SessionID), ev)
}

// AgentRunning publishes the start or end of an agent turn.
func (n *Notifier) AgentRunning(ctx context.Context, sessionID string, running bool) error {
	p := &AgentRunningPayload{SessionID: sessionID, Running: running}
	id := fmt.Sprintf("%s-%t", sessionID, running)
	ev := bus.NewEventWithID(id, AgentRunningChanged, n.source, p)
	return n.bus.Publish(ctx, BuildSessionAgentSubject(sessionID), ev)
}
