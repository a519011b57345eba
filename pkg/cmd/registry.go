// Package cmd provides common initialization for command-line entrypoints.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/credentials"
	"github.com/loomworks/loom/pkg/executor/inprocess"
	"github.com/loomworks/loom/pkg/executor/process"
	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/scheduler"
	"github.com/loomworks/loom/pkg/triggers/kafka"
	"github.com/loomworks/loom/pkg/triggers/schedule"
	"github.com/loomworks/loom/pkg/triggers/webhook"
)

// NewRegistry builds the component registry with the built-in factories and
// any plugins found under the plugins path.
func NewRegistry(logger *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	reg.RegisterTrigger(webhook.NewTriggerFactory())
	reg.RegisterTrigger(kafka.NewTriggerFactory())
	reg.RegisterTrigger(schedule.NewTriggerFactory())

	reg.RegisterExecutor(process.NewExecutorFactory())

	if pluginsPath != "" {
		if err := reg.LoadTriggerPlugins(pluginsPath); err != nil {
			return nil, fmt.Errorf("failed to load trigger plugins: %w", err)
		}

		if err := reg.LoadExecutorPlugins(pluginsPath); err != nil {
			return nil, fmt.Errorf("failed to load executor plugins: %w", err)
		}
	}

	return reg, nil
}

// NewExecutor creates the node execution backend.
func NewExecutor(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) (protocol.Executor, error) {
	switch cfg.Executor {
	case "process":
		return reg.CreateExecutor("process", map[string]any{
			"kinds":     cfg.Kinds,
			"pool_size": cfg.PoolSize,
		})
	case "inprocess":
		return inprocess.NewExecutor(cfg.PoolSize, logger), nil
	default:
		return nil, fmt.Errorf("unsupported executor %q", cfg.Executor)
	}
}

// NewDeduper creates the trigger delivery deduper. Redis when configured so
// deduplication holds across instances, in-memory otherwise.
func NewDeduper(cfg *config.Config) (scheduler.Deduper, error) {
	if cfg.RedisURL == "" {
		return scheduler.NewMemoryDeduper(scheduler.DefaultDedupTTL), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return scheduler.NewRedisDeduper(client, scheduler.DefaultDedupTTL), nil
}

// NewCredentials creates the secret resolver. Without a credentials file the
// resolver is nil and secret references fail at evaluation time.
func NewCredentials(cfg *config.Config) (credentials.Resolver, error) {
	if cfg.CredentialsPath == "" {
		return nil, nil
	}

	return credentials.NewFileResolver(cfg.CredentialsPath)
}
