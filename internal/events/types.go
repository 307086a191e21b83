// Package events provides event types and utilities for the Dockhand event system.
package events

import "encoding/json"

// Event types for sessions
const (
	SessionCreated       = "session.created"
	SessionStatusChanged = "session.status_changed"
	SessionDeleted       = "session.deleted"
)

// Event types for transcript messages
const (
	MessageAdded   = "message.added"
	MessageUpdated = "message.updated"
	MessagePartial = "message.partial"
)

// Event types for agent turns
const (
	AgentRunningChanged = "agent.running_changed"
)

// Base subjects. Per-session subjects append the session id.
const (
	SessionStatusSubject   = "session.status"
	SessionMessagesSubject = "session.messages"
	SessionAgentSubject    = "session.agent"
)

// BuildSessionStatusSubject creates a status subject for a specific session
func BuildSessionStatusSubject(sessionID string) string {
	return SessionStatusSubject + "." + sessionID
}

// BuildSessionStatusWildcardSubject creates a wildcard subscription for all status events
func BuildSessionStatusWildcardSubject() string {
	return SessionStatusSubject + ".*"
}

// BuildSessionMessagesSubject creates a message subject for a specific session
func BuildSessionMessagesSubject(sessionID string) string {
	return SessionMessagesSubject + "." + sessionID
}

// BuildSessionMessagesWildcardSubject creates a wildcard subscription for all message events
func BuildSessionMessagesWildcardSubject() string {
	return SessionMessagesSubject + ".*"
}

// BuildSessionAgentSubject creates an agent-state subject for a specific session
func BuildSessionAgentSubject(sessionID string) string {
	return SessionAgentSubject + "." + sessionID
}

// BuildSessionAgentWildcardSubject creates a wildcard subscription for all agent-state events
func BuildSessionAgentWildcardSubject() string {
	return SessionAgentSubject + ".*"
}

// StatusPayload is the data of session status events.
type StatusPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// GetSessionID implements the session extraction interface used by the gateway.
func (p *StatusPayload) GetSessionID() string { return p.SessionID }

// MessagePayload is the data of message added/updated/partial events.
// Partial snapshots carry Seq -1 and are never persisted.
type MessagePayload struct {
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Updated   bool            `json:"updated,omitempty"`
}

// GetSessionID implements the session extraction interface used by the gateway.
func (p *MessagePayload) GetSessionID() string { return p.SessionID }

// AgentRunningPayload is the data of agent.running_changed events.
type AgentRunningPayload struct {
	SessionID string `json:"session_id"`
	Running   bool   `json:"running"`
}

// GetSessionID implements the session extraction interface used by the gateway.
func (p *AgentRunningPayload) GetSessionID() string { return p.SessionID }
