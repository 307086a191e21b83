package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/subscriptions"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

func (s *Server) handleStatusStream(c *gin.Context) {
	stream, err := s.subs.SessionStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.serveStream(c, stream)
}

func (s *Server) handleMessageStream(c *gin.Context) {
	stream, err := s.subs.SessionMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.serveStream(c, stream)
}

func (s *Server) handleAgentStream(c *gin.Context) {
	stream, err := s.subs.SessionAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.serveStream(c, stream)
}

// serveStream writes bus events as server-sent events until the client
// disconnects or the stream closes.
func (s *Server) serveStream(c *gin.Context, stream *subscriptions.Stream) {
	defer stream.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(c.Writer, ev); err != nil {
				s.log.Debug("sse write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev *bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
