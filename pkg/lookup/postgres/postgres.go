// Package postgres resolves workflow identifiers against a PostgreSQL table
// of definition documents.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/lib/pq" // postgres driver

	"github.com/loomworks/loom/pkg/lookup"
	"github.com/loomworks/loom/pkg/models"
)

const schema = `
	CREATE TABLE IF NOT EXISTS workflow_definitions (
		id         TEXT PRIMARY KEY,
		definition JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// Lookup reads definition documents from the workflow_definitions table and
// parses them with the same validation as the filesystem backend. Parsed
// definitions are cached by id and row update time.
type Lookup struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedRow
}

type cachedRow struct {
	workflow  *models.Workflow
	updatedAt string
}

func NewLookup(ctx context.Context, databaseURL string, logger *slog.Logger) (*Lookup, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	_, err = db.ExecContext(ctx, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure definitions table: %w", err)
	}

	return &Lookup{
		db:     db,
		logger: logger.With("module", "postgres_lookup"),
		cache:  make(map[string]cachedRow),
	}, nil
}

func (l *Lookup) Resolve(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT definition, updated_at::text
		FROM workflow_definitions
		WHERE id = $1
	`

	var (
		data      []byte
		updatedAt string
	)

	err := l.db.QueryRowContext(ctx, query, id).Scan(&data, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", lookup.ErrNotFound, id)
		}

		return nil, fmt.Errorf("failed to query definition %s: %w", id, err)
	}

	l.mu.RLock()
	cached, ok := l.cache[id]
	l.mu.RUnlock()

	if ok && cached.updatedAt == updatedAt {
		return cached.workflow, nil
	}

	workflow, err := lookup.ParseDefinition(id, data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[id] = cachedRow{workflow: workflow, updatedAt: updatedAt}
	l.mu.Unlock()

	return workflow, nil
}

func (l *Lookup) Invalidate(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id == "" {
		l.cache = make(map[string]cachedRow)

		return
	}

	delete(l.cache, id)
}

func (l *Lookup) Close(_ context.Context) error {
	err := l.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}
