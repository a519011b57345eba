// Package filesystem resolves workflow identifiers to JSON definition files
// in a configured directory.
package filesystem

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loomworks/loom/pkg/lookup"
	"github.com/loomworks/loom/pkg/models"
)

type cachedDefinition struct {
	workflow *models.Workflow
	// modification signature: a definition is reparsed when either changes
	modTime int64
	size    int64
}

// Lookup resolves "<id>" to "<root>/<id>.json". Parsed definitions are cached
// by id and modification signature; the filesystem watcher trigger invalidates
// entries when files change.
type Lookup struct {
	root   string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*cachedDefinition
}

func NewLookup(root string, logger *slog.Logger) (*Lookup, error) {
	root = strings.Replace(root, "file://", "", 1)

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("definition directory %s: %w", root, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("definition path %s is not a directory", root)
	}

	return &Lookup{
		root:   root,
		logger: logger.With("module", "filesystem_lookup", "root", root),
		cache:  make(map[string]*cachedDefinition),
	}, nil
}

func (l *Lookup) Resolve(ctx context.Context, id string) (*models.Workflow, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("%w: invalid identifier %q", lookup.ErrNotFound, id)
	}

	path := filepath.Join(l.root, id+".json")

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", lookup.ErrNotFound, id)
		}

		return nil, fmt.Errorf("failed to stat definition %s: %w", path, err)
	}

	l.mu.RLock()
	cached, ok := l.cache[id]
	l.mu.RUnlock()

	if ok && cached.modTime == info.ModTime().UnixNano() && cached.size == info.Size() {
		return cached.workflow, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition %s: %w", path, err)
	}

	workflow, err := lookup.ParseDefinition(id, data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[id] = &cachedDefinition{
		workflow: workflow,
		modTime:  info.ModTime().UnixNano(),
		size:     info.Size(),
	}
	l.mu.Unlock()

	l.logger.DebugContext(ctx, "Parsed workflow definition", "workflow_id", id, "nodes", len(workflow.Nodes))

	return workflow, nil
}

// Invalidate drops the cached definition for one id, or the whole cache when
// id is empty.
func (l *Lookup) Invalidate(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id == "" {
		l.cache = make(map[string]*cachedDefinition)

		return
	}

	delete(l.cache, id)
}

// IDs lists every resolvable identifier in the definition directory.
func (l *Lookup) IDs() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions in %s: %w", l.root, err)
	}

	var ids []string

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}

	return ids, nil
}

// Root returns the watched definition directory.
func (l *Lookup) Root() string {
	return l.root
}

func (l *Lookup) Close(_ context.Context) error {
	return nil
}
