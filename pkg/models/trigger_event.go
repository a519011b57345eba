package models

import (
	"time"

	"github.com/google/uuid"
)

// TriggerEvent is the normalized unit handed from a trigger to the scheduler.
// DedupKey identifies the logical occurrence; triggers that redeliver (kafka)
// set it to a stable value so duplicate deliveries collapse into one run.
type TriggerEvent struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"      validate:"required"`
	WorkflowID string         `json:"workflow_id" validate:"required"`
	DedupKey   string         `json:"dedup_key,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// NewTriggerEvent builds an event with a fresh identifier. The id doubles as
// the dedup key unless the trigger overrides it with a delivery-stable one.
func NewTriggerEvent(source, workflowID string, payload map[string]any) TriggerEvent {
	id := uuid.New().String()

	return TriggerEvent{
		ID:         id,
		Source:     source,
		WorkflowID: workflowID,
		DedupKey:   id,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
}
