package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"

	loomcmd "github.com/loomworks/loom/pkg/cmd"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/eventbus"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/lookup"
	"github.com/loomworks/loom/pkg/lookup/filesystem"
	"github.com/loomworks/loom/pkg/otelhelper"
	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/scheduler"
	"github.com/loomworks/loom/pkg/triggers/fswatch"
	kafkatrigger "github.com/loomworks/loom/pkg/triggers/kafka"
)

const shutdownTimeout = 30 * time.Second

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the engine: triggers, scheduler and executor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Lifecycle event transport (kafka, gochannel, none)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker addresses",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "lookup",
				Usage:   "Definition backend (filesystem, postgres)",
				Value:   "filesystem",
				Sources: cli.EnvVars("LOOKUP_BACKEND"),
			},
			&cli.StringFlag{
				Name:    "definitions-path",
				Usage:   "Directory holding workflow definition files",
				Value:   "./workflows",
				Sources: cli.EnvVars("DEFINITIONS_PATH"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres connection URL for the definition backend",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "executor",
				Usage:   "Node execution backend (process, inprocess)",
				Value:   "process",
				Sources: cli.EnvVars("EXECUTOR_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kinds-path",
				Usage:   "YAML file mapping node kinds to commands",
				Sources: cli.EnvVars("KINDS_PATH"),
			},
			&cli.IntFlag{
				Name:    "pool-size",
				Usage:   "Concurrent node execution bound",
				Sources: cli.EnvVars("POOL_SIZE"),
			},
			&cli.StringFlag{
				Name:    "triggers-path",
				Usage:   "YAML file declaring triggers to start",
				Sources: cli.EnvVars("TRIGGERS_PATH"),
			},
			&cli.IntFlag{
				Name:    "webhook-port",
				Usage:   "Port for webhook triggers that declare none",
				Sources: cli.EnvVars("WEBHOOK_PORT"),
			},
			&cli.StringFlag{
				Name:    "credentials-path",
				Usage:   "JSON file backing secret references",
				Sources: cli.EnvVars("CREDENTIALS_PATH"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for cross-instance trigger deduplication",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.IntFlag{
				Name:    "default-timeout",
				Usage:   "Default node timeout in seconds",
				Sources: cli.EnvVars("DEFAULT_TIMEOUT_SECONDS"),
			},
			&cli.BoolFlag{
				Name:    "watch",
				Usage:   "Watch the definitions directory and invalidate changed files",
				Sources: cli.EnvVars("WATCH_DEFINITIONS"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export dispatch spans over OTLP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Directory containing trigger and executor plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := configFromFlags(command)
			if err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			log.Setup(cfg.LogLevel)
			logger := log.WithModule("loom")

			return runEngine(ctx, cfg, logger)
		},
	}
}

func configFromFlags(command *cli.Command) (*config.Config, error) {
	cfg := config.Default()

	cfg.LogLevel = command.String("log-level")
	cfg.EventBus = command.String("event-bus")
	cfg.Lookup = command.String("lookup")
	cfg.DefinitionsPath = command.String("definitions-path")
	cfg.DatabaseURL = command.String("database-url")
	cfg.Executor = command.String("executor")
	cfg.PoolSize = command.Int("pool-size")
	cfg.TriggersPath = command.String("triggers-path")
	cfg.WebhookPort = command.Int("webhook-port")
	cfg.CredentialsPath = command.String("credentials-path")
	cfg.RedisURL = command.String("redis-url")
	cfg.DefaultTimeoutSeconds = command.Int("default-timeout")
	cfg.WatchDefinitions = command.Bool("watch")
	cfg.Tracing = command.Bool("tracing")
	cfg.PluginsPath = command.String("plugins-path")

	if brokers := command.String("kafka-brokers"); brokers != "" {
		for _, broker := range strings.Split(brokers, ",") {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, strings.TrimSpace(broker))
		}
	}

	if kindsPath := command.String("kinds-path"); kindsPath != "" {
		kinds, err := config.LoadKinds(kindsPath)
		if err != nil {
			return nil, err
		}

		cfg.Kinds = kinds
	}

	return &cfg, nil
}

// runEngine wires the components and blocks until the context is cancelled.
func runEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.InfoContext(ctx, "Initializing engine",
		"lookup", cfg.Lookup, "executor", cfg.Executor, "event_bus", cfg.EventBus)

	if cfg.Tracing {
		shutdown, err := otelhelper.Setup(ctx, "loom")
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}

		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := shutdown(flushCtx); err != nil {
				logger.Error("Failed to flush spans", "error", err)
			}
		}()
	}

	reg, err := loomcmd.NewRegistry(logger, cfg.PluginsPath)
	if err != nil {
		return err
	}

	bus, err := loomcmd.NewEventBus(cfg, logger)
	if err != nil {
		return err
	}

	if bus != nil {
		defer func() {
			if err := bus.Close(); err != nil {
				logger.Error("Failed to close event bus", "error", err)
			}
		}()
	}

	lk, err := loomcmd.NewLookup(ctx, cfg, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := lk.Close(context.Background()); err != nil {
			logger.Error("Failed to close lookup", "error", err)
		}
	}()

	executor, err := loomcmd.NewExecutor(cfg, reg, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := executor.Close(context.Background()); err != nil {
			logger.Error("Failed to close executor", "error", err)
		}
	}()

	deduper, err := loomcmd.NewDeduper(cfg)
	if err != nil {
		return err
	}

	creds, err := loomcmd.NewCredentials(cfg)
	if err != nil {
		return err
	}

	opts := []scheduler.Option{
		scheduler.WithDeduper(deduper),
	}

	if bus != nil {
		opts = append(opts, scheduler.WithEventPublisher(bus))
	}

	if creds != nil {
		opts = append(opts, scheduler.WithCredentials(creds))
	}

	if cfg.DefaultTimeoutSeconds > 0 {
		opts = append(opts, scheduler.WithDefaultTimeout(time.Duration(cfg.DefaultTimeoutSeconds)*time.Second))
	}

	sched := scheduler.New(lk, executor, logger, opts...)

	triggers, err := startTriggers(ctx, cfg, reg, sched, bus, lk, logger)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Engine running", "triggers", len(triggers))

	<-ctx.Done()

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, trigger := range triggers {
		if err := trigger.Stop(shutdownCtx); err != nil {
			logger.Error("Failed to stop trigger", "error", err)
		}
	}

	if err := sched.Close(shutdownCtx); err != nil {
		logger.Error("Failed to drain scheduler", "error", err)
	}

	return nil
}

// startTriggers creates and starts every declared trigger, plus the
// definition watcher when enabled.
func startTriggers(
	ctx context.Context,
	cfg *config.Config,
	reg *registry.Registry,
	sched *scheduler.Scheduler,
	bus eventbus.EventBus,
	lk lookup.Lookup,
	logger *slog.Logger,
) ([]protocol.Trigger, error) {
	var triggers []protocol.Trigger

	callback := sched.Callback()

	if cfg.TriggersPath != "" {
		declared, err := config.LoadTriggers(cfg.TriggersPath)
		if err != nil {
			return nil, err
		}

		for _, tc := range declared {
			if tc.Type == "kafka" && tc.Configuration["brokers"] == nil && len(cfg.KafkaBrokers) > 0 {
				tc.Configuration["brokers"] = cfg.KafkaBrokers
			}

			if tc.Type == "webhook" && tc.Configuration["port"] == nil && cfg.WebhookPort > 0 {
				tc.Configuration["port"] = cfg.WebhookPort
			}

			trigger, err := reg.CreateTrigger(tc.Type, tc.Configuration)
			if err != nil {
				return nil, fmt.Errorf("failed to create %s trigger: %w", tc.Type, err)
			}

			if kt, ok := trigger.(*kafkatrigger.Trigger); ok && bus != nil {
				kt.OnDegraded = degradedPublisher(bus, logger)
			}

			if err := trigger.Start(ctx, callback); err != nil {
				return nil, fmt.Errorf("failed to start %s trigger: %w", tc.Type, err)
			}

			triggers = append(triggers, trigger)
		}
	}

	if cfg.WatchDefinitions && cfg.Lookup == "filesystem" {
		if fsLookup, ok := lk.(*filesystem.Lookup); ok {
			watcher := fswatch.NewTrigger(fsLookup.Root(), fsLookup, bus, logger)
			if err := watcher.Start(ctx, callback); err != nil {
				return nil, fmt.Errorf("failed to start definition watcher: %w", err)
			}

			triggers = append(triggers, watcher)
		}
	}

	return triggers, nil
}

func degradedPublisher(bus eventbus.EventBus, logger *slog.Logger) func(context.Context, error) {
	return func(ctx context.Context, err error) {
		event := events.TriggerDegraded{
			BaseEvent: events.NewBaseEvent(events.TriggerDegradedEvent, "", ""),
			Source:    "kafka",
			Error:     err.Error(),
		}

		if publishErr := bus.Publish(ctx, "kafka", event); publishErr != nil {
			logger.Error("Failed to publish degraded trigger event", "error", publishErr)
		}
	}
}
