// Package inprocess runs node invocations as supervised goroutines inside the
// engine process. Crash isolation is by panic recovery rather than a process
// boundary: a panicking handler becomes an ExecutionFailure, but a handler
// that blocks forever leaks its goroutine after timeout. Deployments that
// cannot accept that relaxed guarantee should use the process executor.
package inprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/pkg/protocol"
)

const DefaultPoolSize = 16

// Handler is the kind-specific logic for one node kind.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

type Executor struct {
	handlers map[string]Handler
	pool     *semaphore.Weighted
	logger   *slog.Logger
}

func NewExecutor(poolSize int, logger *slog.Logger) *Executor {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	return &Executor{
		handlers: make(map[string]Handler),
		pool:     semaphore.NewWeighted(int64(poolSize)),
		logger:   logger.With("module", "inprocess_executor"),
	}
}

// Register binds a handler to a node kind. Registration happens during setup,
// before any Execute call.
func (e *Executor) Register(kind string, handler Handler) {
	e.handlers[kind] = handler
}

type result struct {
	output map[string]any
	err    error
}

func (e *Executor) Execute(
	ctx context.Context,
	kind string,
	input map[string]any,
	timeout time.Duration,
) (map[string]any, error) {
	handler, ok := e.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownKind, kind)
	}

	err := e.pool.Acquire(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire worker slot: %w", err)
	}

	execCtx := ctx

	var cancel context.CancelFunc

	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	done := make(chan result, 1)

	go func() {
		defer e.pool.Release(1)

		if cancel != nil {
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Node handler panicked",
					"kind", kind, "panic", r, "stack", string(debug.Stack()))

				done <- result{err: &protocol.ExecutionError{
					Kind:   kind,
					Reason: fmt.Sprintf("handler panicked: %v", r),
				}}
			}
		}()

		output, err := handler(execCtx, input)
		done <- result{output: output, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, e.wrapError(kind, res.err)
		}

		if res.output == nil {
			res.output = map[string]any{}
		}

		return res.output, nil
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &protocol.ExecutionError{
			Kind:    kind,
			Reason:  fmt.Sprintf("terminated after %s", timeout),
			Timeout: true,
		}
	}
}

func (e *Executor) wrapError(kind string, err error) error {
	var execErr *protocol.ExecutionError
	if errors.As(err, &execErr) {
		return err
	}

	return &protocol.ExecutionError{Kind: kind, Reason: err.Error()}
}

func (e *Executor) Close(_ context.Context) error {
	return nil
}
