package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrExecutionFailure marks a node invocation that returned a failure.
var ErrExecutionFailure = errors.New("node execution failed")

// ErrExecutionTimeout marks a node invocation terminated for exceeding its
// timeout.
var ErrExecutionTimeout = errors.New("node execution timed out")

// ErrUnknownKind signals a node kind no executor backend can invoke.
var ErrUnknownKind = errors.New("unknown node kind")

// Executor runs one node's resolved input through its kind-specific logic in
// isolation. A node's crash must not corrupt the caller or other concurrently
// running nodes; implementations convert crashes into ExecutionError.
type Executor interface {
	Execute(ctx context.Context, kind string, input map[string]any, timeout time.Duration) (map[string]any, error)
	Close(ctx context.Context) error
}

// ExecutorFactory creates executor instances from configuration, selected by
// configuration string at construction.
type ExecutorFactory interface {
	Create(config map[string]any, logger *slog.Logger) (Executor, error)
	ID() string
}

// ExecutionError attributes a failure to the invoked kind. Timeout errors
// unwrap to ErrExecutionTimeout, everything else to ErrExecutionFailure.
type ExecutionError struct {
	Kind     string
	Reason   string
	ExitCode int
	Timeout  bool
}

func (e *ExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("kind %s: execution timed out: %s", e.Kind, e.Reason)
	}

	return fmt.Sprintf("kind %s: execution failed: %s", e.Kind, e.Reason)
}

func (e *ExecutionError) Unwrap() error {
	if e.Timeout {
		return ErrExecutionTimeout
	}

	return ErrExecutionFailure
}
