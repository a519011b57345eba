// Package schedule starts workflow runs on a cron expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/protocol"
)

type Trigger struct {
	CronExpr   string
	WorkflowID string

	cron     *cron.Cron
	callback protocol.TriggerCallback
	logger   *slog.Logger
}

func NewTrigger(cronExpr, workflowID string, logger *slog.Logger) *Trigger {
	return &Trigger{
		CronExpr:   cronExpr,
		WorkflowID: workflowID,
		logger: logger.With(
			"module", "schedule_trigger",
			"cron", cronExpr,
			"workflow_id", workflowID,
		),
	}
}

func (t *Trigger) Validate() error {
	if t.CronExpr == "" {
		return errors.New("schedule trigger cron expression is required")
	}

	if t.WorkflowID == "" {
		return errors.New("schedule trigger workflow id is required")
	}

	if _, err := cron.ParseStandard(t.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	return nil
}

func (t *Trigger) Start(_ context.Context, callback protocol.TriggerCallback) error {
	t.logger.Info("Starting schedule trigger")
	t.callback = callback

	t.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := t.cron.AddFunc(t.CronExpr, t.fire); err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	t.cron.Start()

	return nil
}

// fire starts one run for the tick. Ticks are generated locally and never
// redelivered, so they carry no dedup key at all.
func (t *Trigger) fire() {
	firedAt := time.Now().UTC()

	event := models.NewTriggerEvent("schedule", t.WorkflowID, map[string]any{
		"cron":     t.CronExpr,
		"fired_at": firedAt.Format(time.RFC3339),
	})
	event.DedupKey = ""

	if err := t.callback(context.Background(), event); err != nil {
		t.logger.Error("Failed to start run for schedule tick", "error", err)
	}
}

func (t *Trigger) Stop(ctx context.Context) error {
	t.logger.InfoContext(ctx, "Stopping schedule trigger")

	if t.cron != nil {
		stopCtx := t.cron.Stop()

		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
