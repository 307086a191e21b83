package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

const (
	defaultMessagePageSize = 200
	maxMessagePageSize     = 1000
)

func (s *Server) handleLogin(c *gin.Context) {
	var req v1.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}

	resp, err := s.auth.Login(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLogout(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.Status(http.StatusNoContent)
		return
	}
	if err := s.auth.Logout(c.Request.Context(), token); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}

	sess, err := s.svc.Create(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.svc.List(c.Request.Context(), c.Query("q"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	var req v1.UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}

	sess, err := s.svc.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSyncSession(c *gin.Context) {
	sess, err := s.svc.Sync(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStartSession(c *gin.Context) {
	if err := s.svc.Start(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStopSession(c *gin.Context) {
	if err := s.svc.Stop(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRunAgent(c *gin.Context) {
	var req v1.RunAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}

	if err := s.svc.RunPrompt(c.Request.Context(), c.Param("id"), req.Prompt); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleInterruptAgent(c *gin.Context) {
	if err := s.svc.InterruptAgent(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleListMessages(c *gin.Context) {
	afterSeq := int64(-1)
	if v := c.Query("after_seq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeBadRequest(c, err)
			return
		}
		afterSeq = parsed
	}

	limit := defaultMessagePageSize
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(c, err)
			return
		}
		limit = parsed
	}
	if limit <= 0 {
		limit = defaultMessagePageSize
	} else if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}

	messages, err := s.svc.ListMessages(c.Request.Context(), c.Param("id"), afterSeq, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := v1.ListMessagesResponse{
		Messages: make([]v1.Message, 0, len(messages)),
		Total:    len(messages),
	}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, *m)
	}
	c.JSON(http.StatusOK, resp)
}
