// Package models defines the core domain models for graph-based workflow execution.
package models

import (
	"errors"
	"fmt"
)

// ErrInvalidDefinition is the root cause of every definition validation failure.
// Callers match it with errors.Is and inspect InvalidDefinitionError for the
// offending element.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// InvalidDefinitionError identifies the node or edge that made a definition
// unusable. A run is never started from an invalid definition.
type InvalidDefinitionError struct {
	WorkflowID string
	Element    string // node id, "from->to" for edges, or "" for whole-document faults
	Reason     string
}

func (e *InvalidDefinitionError) Error() string {
	if e.Element == "" {
		return fmt.Sprintf("workflow %s: %s", e.WorkflowID, e.Reason)
	}

	return fmt.Sprintf("workflow %s: %s (%s)", e.WorkflowID, e.Reason, e.Element)
}

func (e *InvalidDefinitionError) Unwrap() error {
	return ErrInvalidDefinition
}

// Workflow is an immutable directed acyclic graph of nodes. It is produced by a
// lookup backend and read-only from then on.
type Workflow struct {
	ID    string  `json:"id"    validate:"required"`
	Name  string  `json:"name,omitempty"`
	Nodes []*Node `json:"nodes" validate:"required,min=1,dive"`
	Edges []*Edge `json:"edges,omitempty"`
}

// Node is a single unit of work. Kind resolves to an executor-invocable unit;
// Input maps parameter names to literals or dynamic expressions.
type Node struct {
	ID             string         `json:"id"   validate:"required"`
	Kind           string         `json:"kind" validate:"required"`
	Input          map[string]any `json:"input,omitempty"`
	Retry          RetryPolicy    `json:"retry,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// Edge is a directed dependency between two nodes. Condition, when set, is a
// path expression evaluated against the source node's output; the edge is
// satisfied only when it coerces to true.
type Edge struct {
	From      string `json:"from" validate:"required"`
	To        string `json:"to"   validate:"required"`
	Condition string `json:"condition,omitempty"`
}

// RetryPolicy bounds re-dispatch of a failed node. Zero values fall back to the
// engine-wide defaults from the configuration.
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts,omitempty"    validate:"omitempty,min=1"`
	InitialSeconds float64 `json:"initial_seconds,omitempty" validate:"omitempty,min=0"`
	Multiplier     float64 `json:"multiplier,omitempty"      validate:"omitempty,min=1"`
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// Outgoing returns every edge leaving the given node.
func (w *Workflow) Outgoing(nodeID string) []*Edge {
	var out []*Edge

	for _, e := range w.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}

	return out
}

// InDegree returns the inbound dependency count per node id.
func (w *Workflow) InDegree() map[string]int {
	degrees := make(map[string]int, len(w.Nodes))
	for _, n := range w.Nodes {
		degrees[n.ID] = 0
	}

	for _, e := range w.Edges {
		degrees[e.To]++
	}

	return degrees
}

// EntryNode returns the single node with no inbound edges. ValidateGraph
// guarantees there is exactly one.
func (w *Workflow) EntryNode() *Node {
	degrees := w.InDegree()
	for _, n := range w.Nodes {
		if degrees[n.ID] == 0 {
			return n
		}
	}

	return nil
}

// ValidateGraph enforces the DAG invariants: unique node ids, edges between
// existing nodes, exactly one entry node, and no cycles.
func (w *Workflow) ValidateGraph() error {
	seen := make(map[string]bool, len(w.Nodes))

	for _, n := range w.Nodes {
		if seen[n.ID] {
			return &InvalidDefinitionError{WorkflowID: w.ID, Element: n.ID, Reason: "duplicate node id"}
		}

		// "run" is the reserved template namespace for run metadata.
		if n.ID == "run" {
			return &InvalidDefinitionError{WorkflowID: w.ID, Element: n.ID, Reason: `node id "run" is reserved`}
		}

		seen[n.ID] = true
	}

	for _, e := range w.Edges {
		if !seen[e.From] || !seen[e.To] {
			return &InvalidDefinitionError{
				WorkflowID: w.ID,
				Element:    e.From + "->" + e.To,
				Reason:     "edge references unknown node",
			}
		}

		if e.From == e.To {
			return &InvalidDefinitionError{
				WorkflowID: w.ID,
				Element:    e.From + "->" + e.To,
				Reason:     "edge forms a self loop",
			}
		}
	}

	degrees := w.InDegree()

	var entries []string

	for id, d := range degrees {
		if d == 0 {
			entries = append(entries, id)
		}
	}

	if len(entries) != 1 {
		return &InvalidDefinitionError{
			WorkflowID: w.ID,
			Reason:     fmt.Sprintf("expected exactly one entry node, found %d", len(entries)),
		}
	}

	// Kahn's algorithm. Any node left with a positive in-degree is on a cycle.
	queue := append([]string(nil), entries...)
	visited := 0

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		for _, e := range w.Outgoing(id) {
			degrees[e.To]--
			if degrees[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}

	if visited != len(w.Nodes) {
		for id, d := range degrees {
			if d > 0 {
				return &InvalidDefinitionError{WorkflowID: w.ID, Element: id, Reason: "definition contains a cycle"}
			}
		}
	}

	return nil
}
