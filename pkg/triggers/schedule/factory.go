package schedule

import (
	"errors"
	"log/slog"

	"github.com/loomworks/loom/pkg/protocol"
)

var ErrConfigNil = errors.New("config cannot be nil")

func NewTriggerFactory() protocol.TriggerFactory {
	return &Factory{}
}

type Factory struct{}

func (f *Factory) ID() string {
	return "schedule"
}

func (f *Factory) Create(config map[string]any, logger *slog.Logger) (protocol.Trigger, error) {
	if config == nil {
		return nil, ErrConfigNil
	}

	cronExpr, _ := config["cron"].(string)
	workflowID, _ := config["workflow_id"].(string)

	trigger := NewTrigger(cronExpr, workflowID, logger)
	if err := trigger.Validate(); err != nil {
		return nil, err
	}

	return trigger, nil
}
