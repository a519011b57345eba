// Package contextstore holds the per-run key-value data produced by executed
// nodes, addressed by node id and queryable via path expressions.
package contextstore

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnresolvedReference is the root cause of every failed path lookup.
var ErrUnresolvedReference = errors.New("unresolved reference")

// ErrDuplicateWrite signals a second output write for the same node. The store
// is append-only during a run; a node's output is written at most once.
var ErrDuplicateWrite = errors.New("node output already written")

// UnresolvedReferenceError carries the expression and the reason a lookup
// failed. The scheduler treats it as a retryable node failure.
type UnresolvedReferenceError struct {
	Path   string
	Reason string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %q: %s", e.Path, e.Reason)
}

func (e *UnresolvedReferenceError) Unwrap() error {
	return ErrUnresolvedReference
}

// Store maps node ids to their structured output, scoped to one run. Writes
// serialize through the scheduler; reads may come from anywhere, so access is
// still guarded.
type Store struct {
	mu      sync.RWMutex
	outputs map[string]map[string]any
}

func NewStore() *Store {
	return &Store{outputs: make(map[string]map[string]any)}
}

// Write records a node's output. Writing the same node twice is a scheduler
// invariant violation and fails with ErrDuplicateWrite.
func (s *Store) Write(nodeID string, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.outputs[nodeID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWrite, nodeID)
	}

	if output == nil {
		output = make(map[string]any)
	}

	s.outputs[nodeID] = output

	return nil
}

// Output returns a node's output and whether it has been written.
func (s *Store) Output(nodeID string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, ok := s.outputs[nodeID]

	return out, ok
}

// Len returns the number of node outputs written so far.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.outputs)
}

// Resolve evaluates a path expression whose head is a node id against the
// store. A head naming a node that has not completed fails with
// UnresolvedReferenceError.
func (s *Store) Resolve(expr string) (any, error) {
	head, segments, err := ParsePath(expr)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	output, ok := s.outputs[head]
	s.mu.RUnlock()

	if !ok {
		return nil, &UnresolvedReferenceError{
			Path:   expr,
			Reason: fmt.Sprintf("node %q has not produced output", head),
		}
	}

	return WalkPath(expr, any(output), segments)
}
