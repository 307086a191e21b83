// Package mcpserver exposes dockhand session and agent operations as MCP
// tools. The server speaks stdio so MCP clients can spawn it directly and
// reach a dockhand API over HTTP.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/dockhand/dockhand/internal/common/logger"
)

// Config holds the MCP server configuration.
type Config struct {
	// APIURL is the dockhand API base URL (e.g. http://localhost:8080).
	APIURL string

	// Token is the bearer token sent with every API request. Empty when
	// the API runs with auth disabled.
	Token string
}

// Server wraps the MCP protocol server.
type Server struct {
	cfg Config
	mcp *server.MCPServer
	log *logger.Logger
}

// New creates the MCP server and registers the tool set.
func New(cfg Config, log *logger.Logger) *Server {
	mcpServer := server.NewMCPServer(
		"dockhand-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, cfg, log)

	return &Server{cfg: cfg, mcp: mcpServer, log: log}
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}
