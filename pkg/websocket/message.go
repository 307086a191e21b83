// Package websocket defines the message envelope and action protocol spoken
// on the gateway's websocket endpoint.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType discriminates websocket frames.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope for every websocket frame. Requests carry an ID
// the matching response echoes; notifications have no ID.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of MessageTypeError frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewResponse builds the reply to the request with the given id.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return newMessage(id, MessageTypeResponse, action, payload)
}

// NewNotification builds a server push frame.
func NewNotification(action string, payload interface{}) (*Message, error) {
	return newMessage("", MessageTypeNotification, action, payload)
}

// NewError builds an error reply.
func NewError(id, action, code, message string) (*Message, error) {
	return newMessage(id, MessageTypeError, action, ErrorPayload{Code: code, Message: message})
}

func newMessage(id string, typ MessageType, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      typ,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload decodes the payload into v. A missing payload is not an
// error; v keeps its zero value.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
