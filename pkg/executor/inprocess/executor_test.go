package inprocess_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/executor/inprocess"
	"github.com/loomworks/loom/pkg/protocol"
)

func TestExecute(t *testing.T) {
	executor := inprocess.NewExecutor(2, slog.Default())
	executor.Register("double", func(_ context.Context, input map[string]any) (map[string]any, error) {
		n, _ := input["n"].(float64)

		return map[string]any{"result": n * 2}, nil
	})

	output, err := executor.Execute(context.Background(), "double", map[string]any{"n": float64(21)}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": float64(42)}, output)
}

func TestExecuteUnknownKind(t *testing.T) {
	executor := inprocess.NewExecutor(2, slog.Default())

	_, err := executor.Execute(context.Background(), "ghost", nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrUnknownKind)
}

func TestExecuteNilOutputBecomesEmpty(t *testing.T) {
	executor := inprocess.NewExecutor(2, slog.Default())
	executor.Register("noop", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, nil
	})

	output, err := executor.Execute(context.Background(), "noop", nil, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, output)
	assert.Empty(t, output)
}

func TestExecuteHandlerError(t *testing.T) {
	executor := inprocess.NewExecutor(2, slog.Default())
	executor.Register("boom", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("downstream unavailable")
	})

	_, err := executor.Execute(context.Background(), "boom", nil, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrExecutionFailure)
	assert.Contains(t, err.Error(), "downstream unavailable")
}

func TestExecutePanicIsolation(t *testing.T) {
	executor := inprocess.NewExecutor(2, slog.Default())
	executor.Register("panicky", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		panic("node went sideways")
	})

	_, err := executor.Execute(context.Background(), "panicky", nil, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrExecutionFailure)
	assert.Contains(t, err.Error(), "node went sideways")

	// The executor survives the panic.
	executor.Register("ok", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	output, err := executor.Execute(context.Background(), "ok", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, output["ok"])
}

func TestExecuteTimeout(t *testing.T) {
	executor := inprocess.NewExecutor(2, slog.Default())
	executor.Register("slow", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})

	start := time.Now()

	_, err := executor.Execute(context.Background(), "slow", nil, 50*time.Millisecond)
	require.Error(t, err)

	var execErr *protocol.ExecutionError

	require.ErrorAs(t, err, &execErr)
	assert.True(t, execErr.Timeout)
	assert.ErrorIs(t, err, protocol.ErrExecutionTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecuteCancellationIsNotANodeFault(t *testing.T) {
	executor := inprocess.NewExecutor(2, slog.Default())
	executor.Register("slow", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := executor.Execute(ctx, "slow", nil, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutePoolBound(t *testing.T) {
	executor := inprocess.NewExecutor(1, slog.Default())

	release := make(chan struct{})
	executor.Register("hold", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		<-release

		return map[string]any{}, nil
	})

	go func() {
		_, _ = executor.Execute(context.Background(), "hold", nil, 0)
	}()

	time.Sleep(20 * time.Millisecond)

	// Pool of one: a second invocation cannot acquire a slot until the first
	// worker finishes.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := executor.Execute(ctx, "hold", nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker slot")

	close(release)
}
