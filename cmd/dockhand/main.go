// Package main is the dockhand service entry point. One process hosts the
// session service, the agent runner, the reconciler, the credential
// propagator, and the HTTP/websocket gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dockhand/dockhand/internal/agent"
	"github.com/dockhand/dockhand/internal/auth"
	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	engineprovider "github.com/dockhand/dockhand/internal/container/provider"
	"github.com/dockhand/dockhand/internal/credentials"
	"github.com/dockhand/dockhand/internal/events"
	gatewayhttp "github.com/dockhand/dockhand/internal/gateway/http"
	gatewayws "github.com/dockhand/dockhand/internal/gateway/websocket"
	"github.com/dockhand/dockhand/internal/persistence"
	"github.com/dockhand/dockhand/internal/reconcile"
	"github.com/dockhand/dockhand/internal/session"
	"github.com/dockhand/dockhand/internal/session/store"
	"github.com/dockhand/dockhand/internal/subscriptions"
	"github.com/dockhand/dockhand/internal/tracing"
	"github.com/dockhand/dockhand/internal/workspace"
	ws "github.com/dockhand/dockhand/pkg/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dockhand: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting dockhand")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus: in-memory by default, NATS when configured.
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = busCleanup() }()
	notifier := events.NewNotifier(providedBus.Bus, "dockhand")

	// Container engine.
	engine, engineCleanup, err := engineprovider.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = engineCleanup() }()

	// Database and stores.
	pool, dbCleanup, err := persistence.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = dbCleanup() }()

	repo, err := store.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		return err
	}
	authStore, err := auth.NewStore(pool.Writer(), pool.Reader())
	if err != nil {
		return err
	}

	// Services.
	provisioner := workspace.New(engine, cfg.Workspace, cfg.Engine.Namespace, log)
	runner := agent.NewRunner(engine, repo, notifier, cfg.Agent, log)
	svc := session.NewService(repo, engine, provisioner, runner, notifier, cfg, log)
	subs := subscriptions.NewManager(providedBus.Bus, log)
	authSvc := auth.NewService(authStore, cfg.Auth, log)
	reconciler := reconcile.New(repo, engine, svc, runner, log)
	syncer := credentials.NewSyncer(engine, repo, providedBus.Bus, cfg.Credentials, log)

	// Gateways.
	dispatcher := ws.NewDispatcher()
	gatewayws.RegisterHealthHandler(dispatcher)
	hub := gatewayws.NewHub(dispatcher, log)
	gatewayws.RegisterNotifications(ctx, providedBus.Bus, hub, log)
	wsHandler := gatewayws.NewHandler(hub, authSvc, log)

	server := gatewayhttp.NewServer(svc, subs, authSvc, cfg, log)
	server.RegisterWebSocket(wsHandler.HandleConnection)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reconciler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		syncer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		log.Warn("failed to flush traces", zap.Error(terr))
	}

	log.Info("dockhand stopped")
	return err
}
