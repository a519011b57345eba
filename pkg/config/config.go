// Package config holds the engine's runtime configuration. Every knob is an
// explicit struct field populated by the command line; nothing deep inside
// the engine reads the environment on its own.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `validate:"omitempty,oneof=debug info warn error"`

	// EventBus selects the lifecycle event transport. "none" runs silently.
	EventBus     string   `validate:"required,oneof=kafka gochannel none"`
	KafkaBrokers []string `validate:"required_if=EventBus kafka,dive,hostname_port"`

	// Lookup selects the definition backend.
	Lookup          string `validate:"required,oneof=filesystem postgres"`
	DefinitionsPath string `validate:"required_if=Lookup filesystem"`
	DatabaseURL     string `validate:"required_if=Lookup postgres"`

	// Executor selects the node execution backend.
	Executor string            `validate:"required,oneof=process inprocess"`
	Kinds    map[string]string `validate:"-"`
	PoolSize int               `validate:"omitempty,min=1"`

	TriggersPath    string `validate:"omitempty,filepath"`
	WebhookPort     int    `validate:"omitempty,min=1,max=65535"`
	CredentialsPath string `validate:"omitempty,filepath"`

	// RedisURL enables cross-instance trigger deduplication when set.
	RedisURL string `validate:"omitempty,uri"`

	DefaultTimeoutSeconds int    `validate:"omitempty,min=1"`
	WatchDefinitions      bool   `validate:"-"`
	Tracing               bool   `validate:"-"`
	PluginsPath           string `validate:"-"`
}

func Default() Config {
	return Config{
		LogLevel:        "info",
		EventBus:        "none",
		Lookup:          "filesystem",
		DefinitionsPath: "./workflows",
		Executor:        "process",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// TriggerConfig declares one trigger instance to start at boot.
type TriggerConfig struct {
	Type          string         `yaml:"type"`
	Configuration map[string]any `yaml:"configuration"`
}

type triggersFile struct {
	Triggers []TriggerConfig `yaml:"triggers"`
}

// LoadTriggers reads the trigger declarations from a YAML file.
func LoadTriggers(path string) ([]TriggerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read triggers file %s: %w", path, err)
	}

	var file triggersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse triggers file %s: %w", path, err)
	}

	for i, trigger := range file.Triggers {
		if trigger.Type == "" {
			return nil, fmt.Errorf("trigger %d in %s has no type", i, path)
		}

		if trigger.Configuration == nil {
			file.Triggers[i].Configuration = make(map[string]any)
		}
	}

	return file.Triggers, nil
}

// LoadKinds reads the kind-to-command map used by the process executor.
func LoadKinds(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read kinds file %s: %w", path, err)
	}

	var kinds map[string]string
	if err := yaml.Unmarshal(data, &kinds); err != nil {
		return nil, fmt.Errorf("failed to parse kinds file %s: %w", path, err)
	}

	return kinds, nil
}
