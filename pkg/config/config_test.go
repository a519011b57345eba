package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	cfg := Default()
	cfg.EventBus = "telegraph"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Lookup = "stone-tablet"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Executor = "abacus"
	assert.Error(t, cfg.Validate())
}

func TestValidateKafkaRequiresBrokers(t *testing.T) {
	cfg := Default()
	cfg.EventBus = "kafka"
	assert.Error(t, cfg.Validate())

	cfg.KafkaBrokers = []string{"localhost:9092"}
	assert.NoError(t, cfg.Validate())
}

func TestValidatePostgresRequiresURL(t *testing.T) {
	cfg := Default()
	cfg.Lookup = "postgres"
	cfg.DefinitionsPath = ""
	assert.Error(t, cfg.Validate())

	cfg.DatabaseURL = "postgres://localhost/loom"
	assert.NoError(t, cfg.Validate())
}

func TestLoadTriggers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triggers.yaml")

	content := `
triggers:
  - type: webhook
    configuration:
      port: 9000
  - type: schedule
    configuration:
      cron: "0 9 * * *"
      workflow_id: wf-daily
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	triggers, err := LoadTriggers(path)
	require.NoError(t, err)
	require.Len(t, triggers, 2)

	assert.Equal(t, "webhook", triggers[0].Type)
	assert.Equal(t, 9000, triggers[0].Configuration["port"])
	assert.Equal(t, "schedule", triggers[1].Type)
	assert.Equal(t, "wf-daily", triggers[1].Configuration["workflow_id"])
}

func TestLoadTriggersRejectsMissingType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triggers.yaml")

	require.NoError(t, os.WriteFile(path, []byte("triggers:\n  - configuration: {}\n"), 0o600))

	_, err := LoadTriggers(path)
	assert.Error(t, err)
}

func TestLoadKinds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kinds.yaml")

	require.NoError(t, os.WriteFile(path, []byte("http: loom-kind-http\nshell: /usr/local/bin/loom-kind-shell --json\n"), 0o600))

	kinds, err := LoadKinds(path)
	require.NoError(t, err)
	assert.Equal(t, "loom-kind-http", kinds["http"])
	assert.Equal(t, "/usr/local/bin/loom-kind-shell --json", kinds["shell"])

	_, err = LoadKinds(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
