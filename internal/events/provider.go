package events

import (
	"fmt"

	"github.com/masc-dev/masc/internal/common/config"
	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/events/bus"
)

// Provide builds the configured event bus implementation and a cleanup
// function.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	switch cfg.Bus.Provider {
	case "nats":
		natsBus, err := bus.NewNATSEventBus(cfg.Bus, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	default:
		memBus := bus.NewMemoryEventBus(log)
		return memBus, memBus.Close, nil
	}
}
