// Package fswatch watches a definition directory and invalidates cached
// parses when files change. It starts no runs; the next trigger delivery for
// a changed workflow sees the fresh definition.
package fswatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/loomworks/loom/pkg/eventbus"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/protocol"
)

// Invalidator is the slice of the lookup interface the watcher needs.
type Invalidator interface {
	Invalidate(id string)
}

type Trigger struct {
	root        string
	invalidator Invalidator
	publisher   eventbus.EventPublisher
	logger      *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	started bool
}

func NewTrigger(root string, invalidator Invalidator, publisher eventbus.EventPublisher, logger *slog.Logger) *Trigger {
	return &Trigger{
		root:        root,
		invalidator: invalidator,
		publisher:   publisher,
		logger:      logger.With("module", "fswatch_trigger", "root", root),
	}
}

func (t *Trigger) Validate() error {
	if t.root == "" {
		return errors.New("fswatch trigger root directory is required")
	}

	info, err := os.Stat(t.root)
	if err != nil {
		return fmt.Errorf("failed to stat watch root: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("watch root %s is not a directory", t.root)
	}

	return nil
}

// Start begins watching. The callback is unused: definition changes refresh
// the lookup, they do not start runs.
func (t *Trigger) Start(ctx context.Context, _ protocol.TriggerCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(t.root); err != nil {
		_ = watcher.Close()

		return fmt.Errorf("failed to watch %s: %w", t.root, err)
	}

	t.watcher = watcher
	t.started = true

	t.logger.Info("Starting definition watcher")

	go t.watch(ctx)

	return nil
}

func (t *Trigger) Stop(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return nil
	}

	t.logger.Info("Stopping definition watcher")
	t.started = false

	return t.watcher.Close()
}

func (t *Trigger) watch(ctx context.Context) {
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}

			t.handleEvent(ctx, event)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}

			t.logger.Error("Watcher error", "error", err)
		case <-ctx.Done():
			_ = t.Stop(context.Background())

			return
		}
	}
}

// handleEvent invalidates the changed definition. A removed or renamed file
// invalidates too: the stale parse must not outlive its source.
func (t *Trigger) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Ext(event.Name) != ".json" {
		return
	}

	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	id := strings.TrimSuffix(filepath.Base(event.Name), ".json")

	t.logger.Info("Definition changed", "workflow_id", id, "op", event.Op.String())

	t.invalidator.Invalidate(id)

	if t.publisher != nil {
		changed := events.DefinitionChanged{
			BaseEvent: events.NewBaseEvent(events.DefinitionChangedEvent, id, ""),
			Path:      event.Name,
		}

		if err := t.publisher.Publish(ctx, id, changed); err != nil {
			t.logger.Warn("Failed to publish definition change", "error", err)
		}
	}
}
