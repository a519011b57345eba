package models

import "time"

// NodeState is the lifecycle state of one node within a run.
type NodeState string

const (
	NodeStatePending   NodeState = "pending"
	NodeStateRunning   NodeState = "running"
	NodeStateSucceeded NodeState = "succeeded"
	NodeStateFailed    NodeState = "failed"
	NodeStateSkipped   NodeState = "skipped"
)

// Terminal reports whether the node will not transition again.
func (s NodeState) Terminal() bool {
	return s == NodeStateSucceeded || s == NodeStateFailed || s == NodeStateSkipped
}

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has reached a final status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// NodeExecution records the per-node state and failure attribution inside a
// run. Output values live in the run's context store, not here.
type NodeExecution struct {
	NodeID     string     `json:"node_id"`
	State      NodeState  `json:"state"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Run is one execution instance of a workflow definition. The scheduler owns
// all mutation; everyone else sees snapshots.
type Run struct {
	ID         string                    `json:"id"`
	WorkflowID string                    `json:"workflow_id"`
	Status     RunStatus                 `json:"status"`
	Trigger    TriggerEvent              `json:"trigger"`
	NodeStates map[string]*NodeExecution `json:"node_states"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt *time.Time                `json:"finished_at,omitempty"`
}

// Snapshot returns a deep copy safe to hand outside the scheduler goroutine.
func (r *Run) Snapshot() *Run {
	cp := *r
	cp.NodeStates = make(map[string]*NodeExecution, len(r.NodeStates))

	for id, ne := range r.NodeStates {
		n := *ne
		cp.NodeStates[id] = &n
	}

	return &cp
}
