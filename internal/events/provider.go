// Package events selects and constructs the configured event bus.
package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events/bus"
)

// Provide builds the event bus the deployment is configured for. An empty
// NATS URL selects the in-memory bus. The caller must run the returned
// cleanup on shutdown.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, func() error {
			natsBus.Close()
			return nil
		}, nil
	}

	log.Info("Using in-memory event bus")
	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error { return nil }, nil
}
