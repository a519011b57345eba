package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/loomworks/loom/pkg/channels/gochannel"
	"github.com/loomworks/loom/pkg/channels/kafka"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/eventbus"
)

// NewEventBus creates the lifecycle event bus for the configured transport.
// Returns nil for "none": the scheduler runs silently without a publisher.
func NewEventBus(cfg *config.Config, logger *slog.Logger) (eventbus.EventBus, error) {
	switch cfg.EventBus {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), "loom", cfg.KafkaBrokers)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka channel: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create gochannel: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported event bus %q", cfg.EventBus)
	}
}
