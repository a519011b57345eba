package kafka

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/loomworks/loom/pkg/protocol"
)

var ErrConfigNil = errors.New("config cannot be nil")

func NewTriggerFactory() protocol.TriggerFactory {
	return &Factory{}
}

type Factory struct{}

func (f *Factory) ID() string {
	return "kafka"
}

func (f *Factory) Create(config map[string]any, logger *slog.Logger) (protocol.Trigger, error) {
	if config == nil {
		return nil, ErrConfigNil
	}

	topic, _ := config["topic"].(string)
	consumerGroup, _ := config["consumer_group"].(string)
	workflowID, _ := config["workflow_id"].(string)

	var brokers []string

	switch v := config["brokers"].(type) {
	case string:
		for _, broker := range strings.Split(v, ",") {
			brokers = append(brokers, strings.TrimSpace(broker))
		}
	case []string:
		brokers = v
	case []any:
		for _, broker := range v {
			if s, ok := broker.(string); ok {
				brokers = append(brokers, s)
			}
		}
	}

	trigger := NewTrigger(topic, consumerGroup, workflowID, brokers, logger)
	if err := trigger.Validate(); err != nil {
		return nil, err
	}

	return trigger, nil
}
