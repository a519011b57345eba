// Package events defines the structured lifecycle events the engine emits at
// its observability boundary. Consumers format and export; the core only
// emits.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/models"
)

type EventType string

// Topic is the event bus topic lifecycle events are published on.
const Topic = "loom.lifecycle"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunStartedEvent  EventType = "run.started"
	RunFinishedEvent EventType = "run.finished"

	NodeStartedEvent   EventType = "node.started"
	NodeSucceededEvent EventType = "node.succeeded"
	NodeFailedEvent    EventType = "node.failed"
	NodeSkippedEvent   EventType = "node.skipped"

	TriggerDegradedEvent   EventType = "trigger.degraded"
	DefinitionChangedEvent EventType = "definition.changed"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID, runID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		RunID:      runID,
		Metadata:   make(map[string]any),
	}
}

type RunStarted struct {
	BaseEvent

	TriggerSource string         `json:"trigger_source"`
	TriggerData   map[string]any `json:"trigger_data,omitempty"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

// RunFinished carries the terminal status and the full per-node state map so
// failures are attributable to the exact node that produced them.
type RunFinished struct {
	BaseEvent

	Status     models.RunStatus                 `json:"status"`
	NodeStates map[string]*models.NodeExecution `json:"node_states"`
	Duration   time.Duration                    `json:"duration"`
}

func (e RunFinished) GetType() EventType {
	return RunFinishedEvent
}

type NodeStarted struct {
	BaseEvent

	NodeID  string `json:"node_id"`
	Kind    string `json:"kind"`
	Attempt int    `json:"attempt"`
}

func (e NodeStarted) GetType() EventType {
	return NodeStartedEvent
}

type NodeSucceeded struct {
	BaseEvent

	NodeID   string        `json:"node_id"`
	Kind     string        `json:"kind"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
}

func (e NodeSucceeded) GetType() EventType {
	return NodeSucceededEvent
}

type NodeFailed struct {
	BaseEvent

	NodeID   string        `json:"node_id"`
	Kind     string        `json:"kind"`
	Attempt  int           `json:"attempt"`
	Error    string        `json:"error"`
	Final    bool          `json:"final"` // retries exhausted
	Duration time.Duration `json:"duration"`
}

func (e NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

type NodeSkipped struct {
	BaseEvent

	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

func (e NodeSkipped) GetType() EventType {
	return NodeSkippedEvent
}

// TriggerDegraded surfaces a trigger that exhausted its reconnect budget.
type TriggerDegraded struct {
	BaseEvent

	Source string `json:"source"`
	Error  string `json:"error"`
}

func (e TriggerDegraded) GetType() EventType {
	return TriggerDegradedEvent
}

// DefinitionChanged notifies that a definition file changed on disk and any
// cached parse must be invalidated.
type DefinitionChanged struct {
	BaseEvent

	Path string `json:"path"`
}

func (e DefinitionChanged) GetType() EventType {
	return DefinitionChangedEvent
}
