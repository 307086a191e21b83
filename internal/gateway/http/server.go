// Package http exposes the REST and SSE API over the session service.
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/auth"
	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/httpmw"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/session"
	"github.com/dockhand/dockhand/internal/subscriptions"
)

// Server routes API requests to the session service and fans events out to
// SSE subscribers.
type Server struct {
	svc    *session.Service
	subs   *subscriptions.Manager
	auth   *auth.Service
	cfg    *config.Config
	log    *logger.Logger
	router *gin.Engine
}

// NewServer creates the API server and registers all routes.
func NewServer(svc *session.Service, subs *subscriptions.Manager, authSvc *auth.Service, cfg *config.Config, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		svc:    svc,
		subs:   subs,
		auth:   authSvc,
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "http")),
		router: gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())
	s.router.Use(httpmw.RequestLogger(s.log, "dockhand-api"))
	s.router.Use(httpmw.OtelTracing("dockhand-api"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")

	// Login stays outside the auth fence; logout needs the token but not a
	// valid session.
	api.POST("/auth/login", s.handleLogin)
	api.POST("/auth/logout", s.handleLogout)

	protected := api.Group("")
	protected.Use(s.auth.Middleware())
	{
		protected.POST("/sessions", s.handleCreateSession)
		protected.GET("/sessions", s.handleListSessions)
		protected.GET("/sessions/:id", s.handleGetSession)
		protected.PATCH("/sessions/:id", s.handleUpdateSession)
		protected.DELETE("/sessions/:id", s.handleDeleteSession)

		protected.POST("/sessions/:id/start", s.handleStartSession)
		protected.POST("/sessions/:id/stop", s.handleStopSession)
		protected.POST("/sessions/:id/sync", s.handleSyncSession)

		protected.POST("/sessions/:id/agent", s.handleRunAgent)
		protected.POST("/sessions/:id/agent/interrupt", s.handleInterruptAgent)

		protected.GET("/sessions/:id/messages", s.handleListMessages)

		protected.GET("/sessions/:id/events/status", s.handleStatusStream)
		protected.GET("/sessions/:id/events/messages", s.handleMessageStream)
		protected.GET("/sessions/:id/events/agent", s.handleAgentStream)
		protected.GET("/events/status", s.handleStatusStream)
	}
}

// RegisterWebSocket mounts the websocket endpoint. The handler does its own
// token validation because browsers cannot set headers on websocket dials.
func (s *Server) RegisterWebSocket(handler gin.HandlerFunc) {
	s.router.GET("/ws", handler)
}

// Run serves the API until the context ends, then drains with the graceful
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.WriteTimeoutDuration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// corsMiddleware allows browser clients on other origins. The API is
// token-authenticated, not cookie-authenticated, so a permissive policy is
// safe.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		c.Header("Access-Control-Expose-Headers", "X-Rotated-Token")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
