// Package provider selects the configured container engine implementation.
package provider

import (
	"fmt"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/container/cli"
	"github.com/dockhand/dockhand/internal/container/dockerd"
)

// Provide builds the engine named by cfg.Engine.Provider. The returned
// cleanup closes the engine's client connections.
func Provide(cfg *config.Config, log *logger.Logger) (container.Engine, func() error, error) {
	switch cfg.Engine.Provider {
	case "cli", "":
		engine := cli.New(cfg.Engine, log)
		return engine, engine.Close, nil
	case "dockerd":
		engine, err := dockerd.New(cfg.Engine, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize dockerd engine: %w", err)
		}
		return engine, engine.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine provider %q", cfg.Engine.Provider)
	}
}
