package v1

import (
	"encoding/json"
	"time"
)

// Message represents one persisted record of a session transcript.
// Content is the raw agent output line (or a synthetic record) and its
// shape depends on Type.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// MessageEvent carries a new or updated message to subscribers.
// Partial streaming snapshots are delivered with Seq -1 and are never
// persisted.
type MessageEvent struct {
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Updated   bool            `json:"updated,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ListMessagesResponse is a page of session messages ordered by Seq
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}
