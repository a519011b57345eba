package schedule

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestTriggerValidate(t *testing.T) {
	tests := []struct {
		name       string
		cron       string
		workflowID string
		wantError  bool
	}{
		{
			name:       "valid five field expression",
			cron:       "*/5 * * * *",
			workflowID: "wf-1",
		},
		{
			name:       "valid daily expression",
			cron:       "0 9 * * *",
			workflowID: "wf-1",
		},
		{
			name:       "missing cron expression",
			workflowID: "wf-1",
			wantError:  true,
		},
		{
			name:      "missing workflow id",
			cron:      "* * * * *",
			wantError: true,
		},
		{
			name:       "malformed cron expression",
			cron:       "not a cron",
			workflowID: "wf-1",
			wantError:  true,
		},
		{
			name:       "too many fields",
			cron:       "* * * * * * *",
			workflowID: "wf-1",
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger := NewTrigger(tt.cron, tt.workflowID, testLogger())

			err := trigger.Validate()
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFactoryCreate(t *testing.T) {
	factory := NewTriggerFactory()
	assert.Equal(t, "schedule", factory.ID())

	trigger, err := factory.Create(map[string]any{
		"cron":        "0 9 * * *",
		"workflow_id": "wf-1",
	}, testLogger())
	require.NoError(t, err)
	require.NotNil(t, trigger)

	_, err = factory.Create(nil, testLogger())
	assert.ErrorIs(t, err, ErrConfigNil)

	_, err = factory.Create(map[string]any{"cron": "0 9 * * *"}, testLogger())
	assert.Error(t, err)
}

func TestFireEventHasNoDedupKey(t *testing.T) {
	trigger := NewTrigger("* * * * *", "wf-1", testLogger())

	var captured models.TriggerEvent

	trigger.callback = func(_ context.Context, event models.TriggerEvent) error {
		captured = event

		return nil
	}

	trigger.fire()

	assert.Equal(t, "schedule", captured.Source)
	assert.Equal(t, "wf-1", captured.WorkflowID)
	assert.NotEmpty(t, captured.ID)
	assert.Empty(t, captured.DedupKey)
}

func TestTriggerStartStop(t *testing.T) {
	trigger := NewTrigger("* * * * *", "wf-1", testLogger())
	require.NoError(t, trigger.Validate())

	ctx := context.Background()

	err := trigger.Start(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, trigger.Stop(ctx))
}
