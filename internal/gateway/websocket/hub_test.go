package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/events/bus"
	ws "github.com/dockhand/dockhand/pkg/websocket"
)

type wsEnv struct {
	hub      *Hub
	bus      *bus.MemoryEventBus
	notifier *events.Notifier
	server   *httptest.Server
	cancel   context.CancelFunc
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()

	log := logger.Default()
	b := bus.NewMemoryEventBus(log)

	dispatcher := ws.NewDispatcher()
	RegisterHealthHandler(dispatcher)

	hub := NewHub(dispatcher, log)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	RegisterNotifications(ctx, b, hub, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewHandler(hub, nil, log)
	router.GET("/ws", handler.HandleConnection)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return &wsEnv{
		hub:      hub,
		bus:      b,
		notifier: events.NewNotifier(b, "test"),
		server:   server,
		cancel:   cancel,
	}
}

func (env *wsEnv) dial(t *testing.T) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gorillaws.Conn) *ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	// The write pump batches queued frames with newline separators; take
	// the first one.
	if idx := strings.IndexByte(string(data), '\n'); idx >= 0 {
		data = data[:idx]
	}
	var msg ws.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func send(t *testing.T, conn *gorillaws.Conn, msg *ws.Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestHealthCheckRoundTrip(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)

	send(t, conn, &ws.Message{ID: "1", Type: ws.MessageTypeRequest, Action: ws.ActionHealthCheck})

	resp := readMessage(t, conn)
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)
	assert.Equal(t, "1", resp.ID)
	assert.Contains(t, string(resp.Payload), "dockhand")
}

func TestUnknownActionReturnsError(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)

	send(t, conn, &ws.Message{ID: "2", Type: ws.MessageTypeRequest, Action: "bogus.action"})

	resp := readMessage(t, conn)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeUnknownAction, payload.Code)
}

func TestSubscribedClientReceivesSessionEvents(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)

	payload, _ := json.Marshal(SubscribeRequest{SessionID: "s1"})
	send(t, conn, &ws.Message{
		ID: "3", Type: ws.MessageTypeRequest,
		Action: ws.ActionSessionSubscribe, Payload: payload,
	})
	resp := readMessage(t, conn)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	require.NoError(t, env.notifier.StatusChanged(context.Background(), &events.StatusPayload{
		SessionID: "s1",
		Status:    "RUNNING",
	}))

	note := readMessage(t, conn)
	assert.Equal(t, ws.MessageTypeNotification, note.Type)
	assert.Equal(t, ws.ActionSessionStatus, note.Action)
	assert.Contains(t, string(note.Payload), "s1")
}

func TestWildcardSubscriberSeesAllSessions(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)

	payload, _ := json.Marshal(SubscribeRequest{})
	send(t, conn, &ws.Message{
		ID: "4", Type: ws.MessageTypeRequest,
		Action: ws.ActionSessionSubscribe, Payload: payload,
	})
	readMessage(t, conn)

	require.NoError(t, env.notifier.AgentRunning(context.Background(), "s9", true))

	note := readMessage(t, conn)
	assert.Equal(t, ws.ActionSessionAgent, note.Action)
	assert.Contains(t, string(note.Payload), "s9")
}

func TestUnsubscribedClientGetsNothing(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)

	payload, _ := json.Marshal(SubscribeRequest{SessionID: "s1"})
	send(t, conn, &ws.Message{
		ID: "5", Type: ws.MessageTypeRequest,
		Action: ws.ActionSessionSubscribe, Payload: payload,
	})
	readMessage(t, conn)

	send(t, conn, &ws.Message{
		ID: "6", Type: ws.MessageTypeRequest,
		Action: ws.ActionSessionUnsubscribe, Payload: payload,
	})
	readMessage(t, conn)

	require.NoError(t, env.notifier.StatusChanged(context.Background(), &events.StatusPayload{
		SessionID: "s1",
		Status:    "STOPPED",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
