package fswatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ids = append(r.ids, id)
}

func (r *recordingInvalidator) seen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, got := range r.ids {
		if got == id {
			return true
		}
	}

	return false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, NewTrigger(dir, nil, nil, testLogger()).Validate())
	assert.Error(t, NewTrigger("", nil, nil, testLogger()).Validate())
	assert.Error(t, NewTrigger(filepath.Join(dir, "missing"), nil, nil, testLogger()).Validate())

	file := filepath.Join(dir, "file.json")
	require.NoError(t, os.WriteFile(file, []byte("{}"), 0o600))
	assert.Error(t, NewTrigger(file, nil, nil, testLogger()).Validate())
}

func TestWatchInvalidatesChangedDefinition(t *testing.T) {
	dir := t.TempDir()
	invalidator := &recordingInvalidator{}

	trigger := NewTrigger(dir, invalidator, nil, testLogger())
	require.NoError(t, trigger.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, trigger.Start(ctx, nil))

	defer func() { _ = trigger.Stop(context.Background()) }()

	path := filepath.Join(dir, "wf-orders.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nodes": []}`), 0o600))

	require.Eventually(t, func() bool {
		return invalidator.seen("wf-orders")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatchIgnoresNonDefinitionFiles(t *testing.T) {
	dir := t.TempDir()
	invalidator := &recordingInvalidator{}

	trigger := NewTrigger(dir, invalidator, nil, testLogger())
	require.NoError(t, trigger.Start(context.Background(), nil))

	defer func() { _ = trigger.Stop(context.Background()) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wf-real.json"), []byte("{}"), 0o600))

	require.Eventually(t, func() bool {
		return invalidator.seen("wf-real")
	}, 3*time.Second, 10*time.Millisecond)

	assert.False(t, invalidator.seen("notes"))
}

func TestRemoveInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf-gone.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	invalidator := &recordingInvalidator{}
	trigger := NewTrigger(dir, invalidator, nil, testLogger())
	require.NoError(t, trigger.Start(context.Background(), nil))

	defer func() { _ = trigger.Stop(context.Background()) }()

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		return invalidator.seen("wf-gone")
	}, 3*time.Second, 10*time.Millisecond)
}
