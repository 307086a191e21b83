// Package websocket fans session events out to websocket clients. Clients
// subscribe to individual sessions or, with an empty session id, to all of
// them.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	ws "github.com/dockhand/dockhand/pkg/websocket"
)

// Hub manages all websocket client connections.
type Hub struct {
	clients map[*Client]bool

	// sessionSubscribers maps a session id to the clients following it.
	// The empty key holds clients following every session.
	sessionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub creates a hub around the given request dispatcher.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *ws.Message, 256),
		dispatcher:         dispatcher,
		log:                log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes client registrations and broadcasts until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("websocket hub started")
	defer h.log.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for sessionID := range client.subscriptions {
			if clients, ok := h.sessionSubscribers[sessionID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.sessionSubscribers, sessionID)
				}
			}
		}
	}
	h.log.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will drop the client.
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to every connected client.
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastToSession sends a notification to the session's subscribers and
// to clients following all sessions.
func (h *Hub) BroadcastToSession(sessionID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0)
	for client := range h.sessionSubscribers[sessionID] {
		targets = append(targets, client)
	}
	if sessionID != "" {
		for client := range h.sessionSubscribers[""] {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Subscribe adds the client to a session's subscriber set. An empty session
// id follows every session.
func (h *Hub) Subscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.subscriptions[sessionID] = true

	h.log.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
}

// Unsubscribe removes the client from a session's subscriber set.
func (h *Hub) Unsubscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, sessionID)
	if clients, ok := h.sessionSubscribers[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
