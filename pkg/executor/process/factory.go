package process

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/loomworks/loom/pkg/protocol"
)

var ErrConfigNil = errors.New("config cannot be nil")

func NewExecutorFactory() protocol.ExecutorFactory {
	return &Factory{}
}

type Factory struct{}

func (f *Factory) ID() string {
	return "process"
}

func (f *Factory) Create(config map[string]any, logger *slog.Logger) (protocol.Executor, error) {
	if config == nil {
		return nil, ErrConfigNil
	}

	kinds := make(map[string]string)

	if raw, ok := config["kinds"].(map[string]any); ok {
		for kind, command := range raw {
			str, ok := command.(string)
			if !ok {
				return nil, fmt.Errorf("kind %q command must be a string, got %T", kind, command)
			}

			kinds[kind] = str
		}
	}

	if raw, ok := config["kinds"].(map[string]string); ok {
		for kind, command := range raw {
			kinds[kind] = command
		}
	}

	poolSize := 0
	if size, ok := config["pool_size"].(int); ok {
		poolSize = size
	}

	executor, err := NewExecutor(kinds, poolSize, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create process executor: %w", err)
	}

	return executor, nil
}
