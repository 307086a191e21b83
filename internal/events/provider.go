package events

import (
	"fmt"
	"strings"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/events/bus"
)

// ProvidedBus exposes the active bus plus the concrete implementation for
// callers that need one.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the event bus: in-memory unless a NATS URL is configured.
// The returned cleanup closes the transport.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize nats event bus: %w", err)
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus},
			func() error { natsBus.Close(); return nil }, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus},
		func() error { memBus.Close(); return nil }, nil
}
