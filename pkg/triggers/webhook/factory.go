package webhook

import (
	"log/slog"

	"github.com/loomworks/loom/pkg/protocol"
)

func NewTriggerFactory() protocol.TriggerFactory {
	return &Factory{}
}

type Factory struct{}

func (f *Factory) ID() string {
	return "webhook"
}

func (f *Factory) Create(config map[string]any, logger *slog.Logger) (protocol.Trigger, error) {
	port := DefaultPort

	switch v := config["port"].(type) {
	case int:
		port = v
	case float64:
		port = int(v)
	}

	return NewTrigger(port, logger), nil
}
