// Package main is the dockhand MCP server. It speaks the Model Context
// Protocol on stdio and forwards tool calls to a dockhand API.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/mcpserver"
)

var (
	apiURLFlag   = flag.String("api-url", "http://localhost:8080", "dockhand API URL")
	tokenFlag    = flag.String("token", "", "bearer token for the dockhand API (empty when auth is disabled)")
	logLevelFlag = flag.String("log-level", "info", "log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	cfg := mcpserver.Config{
		APIURL: getEnvOrFlag("DOCKHAND_API_URL", *apiURLFlag),
		Token:  getEnvOrFlag("DOCKHAND_API_TOKEN", *tokenFlag),
	}

	// Stdout carries the MCP protocol; logs must go to stderr.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevelFlag,
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting dockhand-mcp", zap.String("api_url", cfg.APIURL))

	srv := mcpserver.New(cfg, log)
	if err := srv.ServeStdio(); err != nil {
		log.Error("mcp server exited", zap.Error(err))
		os.Exit(1)
	}
}

func getEnvOrFlag(env, flagValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return flagValue
}
