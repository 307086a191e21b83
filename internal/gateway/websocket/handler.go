package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/auth"
	"github.com/dockhand/dockhand/internal/common/logger"
	ws "github.com/dockhand/dockhand/pkg/websocket"
	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The endpoint is token-authenticated; origin checks add nothing.
		return true
	},
}

// Handler upgrades HTTP connections and attaches them to the hub.
type Handler struct {
	hub  *Hub
	auth *auth.Service
	log  *logger.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(hub *Hub, authSvc *auth.Service, log *logger.Logger) *Handler {
	return &Handler{
		hub:  hub,
		auth: authSvc,
		log:  log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection authenticates, upgrades, and runs the client pumps.
// Browsers cannot set headers on websocket dials, so the token arrives as a
// query parameter.
func (h *Handler) HandleConnection(c *gin.Context) {
	if h.auth != nil && h.auth.Enabled() {
		token := c.Query("token")
		if _, _, err := h.auth.Validate(c.Request.Context(), token); err != nil {
			c.JSON(http.StatusUnauthorized, v1.ErrorResponse{
				Code:    v1.ErrCodeUnauthorized,
				Message: "invalid or expired token",
			})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.log.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.log)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterHealthHandler registers the health check action.
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "dockhand",
		})
	})
}
