// Package registry maps trigger and executor identifiers to their factories.
// Backends are selected by configuration string, never hardwired at call
// sites.
package registry

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"strings"

	"github.com/loomworks/loom/pkg/protocol"
)

type Registry struct {
	logger            *slog.Logger
	triggerFactories  map[string]protocol.TriggerFactory
	executorFactories map[string]protocol.ExecutorFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:            logger,
		triggerFactories:  make(map[string]protocol.TriggerFactory),
		executorFactories: make(map[string]protocol.ExecutorFactory),
	}
}

func (r *Registry) RegisterTrigger(factory protocol.TriggerFactory) {
	r.triggerFactories[factory.ID()] = factory
}

func (r *Registry) RegisterExecutor(factory protocol.ExecutorFactory) {
	r.executorFactories[factory.ID()] = factory
}

func (r *Registry) CreateTrigger(triggerID string, config map[string]any) (protocol.Trigger, error) {
	factory, ok := r.triggerFactories[triggerID]
	if !ok {
		return nil, fmt.Errorf("trigger %q not registered", triggerID)
	}

	return factory.Create(config, r.logger)
}

func (r *Registry) CreateExecutor(executorID string, config map[string]any) (protocol.Executor, error) {
	factory, ok := r.executorFactories[executorID]
	if !ok {
		return nil, fmt.Errorf("executor %q not registered", executorID)
	}

	return factory.Create(config, r.logger)
}

func (r *Registry) TriggerIDs() []string {
	ids := make([]string, 0, len(r.triggerFactories))
	for id := range r.triggerFactories {
		ids = append(ids, id)
	}

	return ids
}

func (r *Registry) ExecutorIDs() []string {
	ids := make([]string, 0, len(r.executorFactories))
	for id := range r.executorFactories {
		ids = append(ids, id)
	}

	return ids
}

func (r *Registry) LoadTriggerPlugins(pluginsPath string) error {
	factories, err := loadPlugin[protocol.TriggerFactory](r.logger, pluginsPath, "Trigger")
	if err != nil {
		return err
	}

	for _, factory := range factories {
		r.RegisterTrigger(factory)
	}

	return nil
}

func (r *Registry) LoadExecutorPlugins(pluginsPath string) error {
	factories, err := loadPlugin[protocol.ExecutorFactory](r.logger, pluginsPath, "Executor")
	if err != nil {
		return err
	}

	for _, factory := range factories {
		r.RegisterExecutor(factory)
	}

	return nil
}

// loadPlugin opens every .so under <pluginsPath>/<type>s and looks up the
// exported factory symbol.
func loadPlugin[T any](logger *slog.Logger, pluginsPath, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"
	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s in plugin %s: %w", symbolName, p, err)
		}

		factory, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s symbol %s has the wrong type", p, symbolName)
		}

		pluginList = append(pluginList, factory)

		l.Info("Loaded plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
