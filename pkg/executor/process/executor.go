// Package process runs each node invocation as a separate worker process
// drawn from a bounded pool. The process boundary is the fault boundary: a
// crashing node cannot corrupt the scheduler or its sibling nodes.
package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/pkg/protocol"
)

const DefaultPoolSize = 4

// Executor maps node kinds to commands. The resolved input is written to the
// worker's stdin as JSON; the worker writes its JSON output to stdout and
// signals failure with a non-zero exit code.
type Executor struct {
	kinds    map[string][]string
	pool     *semaphore.Weighted
	poolSize int
	logger   *slog.Logger
}

func NewExecutor(kinds map[string]string, poolSize int, logger *slog.Logger) (*Executor, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	commands := make(map[string][]string, len(kinds))

	for kind, command := range kinds {
		argv := strings.Fields(command)
		if len(argv) == 0 {
			return nil, fmt.Errorf("kind %q has an empty command", kind)
		}

		commands[kind] = argv
	}

	return &Executor{
		kinds:    commands,
		pool:     semaphore.NewWeighted(int64(poolSize)),
		poolSize: poolSize,
		logger:   logger.With("module", "process_executor", "pool_size", poolSize),
	}, nil
}

func (e *Executor) Execute(
	ctx context.Context,
	kind string,
	input map[string]any,
	timeout time.Duration,
) (map[string]any, error) {
	argv, ok := e.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownKind, kind)
	}

	// Saturated pool queues the invocation instead of spawning more workers.
	err := e.pool.Acquire(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire worker slot: %w", err)
	}
	defer e.pool.Release(1)

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize input for kind %s: %w", kind, err)
	}

	execCtx := ctx

	var cancel context.CancelFunc

	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	e.logger.DebugContext(ctx, "Dispatching worker process", "kind", kind, "command", argv[0])

	err = cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			// Run cancellation, not a node fault.
			return nil, ctx.Err()
		}

		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, &protocol.ExecutionError{
				Kind:    kind,
				Reason:  fmt.Sprintf("terminated after %s", timeout),
				Timeout: true,
			}
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &protocol.ExecutionError{
				Kind:     kind,
				Reason:   strings.TrimSpace(stderr.String()),
				ExitCode: exitErr.ExitCode(),
			}
		}

		return nil, &protocol.ExecutionError{Kind: kind, Reason: err.Error()}
	}

	return decodeOutput(kind, stdout.Bytes())
}

// decodeOutput parses the worker's stdout. An empty stdout is an empty
// output; non-object JSON is wrapped under "result" so path expressions can
// still address it.
func decodeOutput(kind string, raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}

	var value any

	err := json.Unmarshal(trimmed, &value)
	if err != nil {
		return nil, &protocol.ExecutionError{
			Kind:   kind,
			Reason: "worker produced invalid JSON output: " + err.Error(),
		}
	}

	if object, ok := value.(map[string]any); ok {
		return object, nil
	}

	return map[string]any{"result": value}, nil
}

func (e *Executor) Close(_ context.Context) error {
	return nil
}
