// Package protocol defines the contracts between the engine core and its
// pluggable collaborators: triggers and executors.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loomworks/loom/pkg/models"
)

// ErrTriggerDelivery marks a transient fault while handing an event to the
// scheduler. Triggers retry delivery with backoff before dropping the event.
var ErrTriggerDelivery = errors.New("trigger delivery failed")

// ErrTriggerDegraded is returned by Start when a trigger has exhausted its
// reconnect budget and can no longer produce events.
var ErrTriggerDegraded = errors.New("trigger degraded")

// TriggerCallback hands a normalized event to the scheduler. A non-nil error
// tells the trigger the event was not durably accepted; broker triggers must
// not commit their offset in that case.
type TriggerCallback func(ctx context.Context, event models.TriggerEvent) error

// Trigger converts an external signal source into TriggerEvents. Start
// returns once the trigger is producing; delivery continues until the context
// is cancelled or Stop is called.
type Trigger interface {
	Start(ctx context.Context, callback TriggerCallback) error
	Stop(ctx context.Context) error
	Validate() error
}

// TriggerFactory creates trigger instances from configuration. Factories are
// registered under their ID and selected by configuration string.
type TriggerFactory interface {
	Create(config map[string]any, logger *slog.Logger) (Trigger, error)
	ID() string
}

// DeliveryError attributes a delivery fault to its source trigger.
type DeliveryError struct {
	Source string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("trigger %s: delivery failed: %v", e.Source, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return ErrTriggerDelivery
}
