package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/lookup"
	"github.com/loomworks/loom/pkg/lookup/filesystem"
	"github.com/loomworks/loom/pkg/lookup/postgres"
)

// NewLookup creates the definition lookup for the configured backend.
func NewLookup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lookup.Lookup, error) {
	switch cfg.Lookup {
	case "filesystem":
		return filesystem.NewLookup(cfg.DefinitionsPath, logger)
	case "postgres":
		return postgres.NewLookup(ctx, cfg.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("unsupported lookup backend %q", cfg.Lookup)
	}
}
