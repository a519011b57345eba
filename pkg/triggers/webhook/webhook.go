// Package webhook exposes workflows over HTTP. A POST to /webhook/:workflow
// starts a run; acceptance and rejection are decided before the response is
// written, so callers know whether their delivery was taken.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/loomworks/loom/pkg/lookup"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/protocol"
)

const (
	DefaultPort = 8085

	maxBodySize     = 1024 * 1024 // 1MB
	shutdownTimeout = 5 * time.Second

	// DeliveryIDHeader carries the caller's idempotency key. Redeliveries with
	// the same id are deduplicated downstream.
	DeliveryIDHeader = "X-Delivery-Id"
)

type Trigger struct {
	app      *fiber.App
	port     int
	callback protocol.TriggerCallback
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
}

func NewTrigger(port int, logger *slog.Logger) *Trigger {
	if port <= 0 {
		port = DefaultPort
	}

	return &Trigger{
		port:   port,
		logger: logger.With("module", "webhook_trigger", "port", port),
	}
}

func (t *Trigger) Validate() error {
	if t.port <= 0 || t.port > 65535 {
		return fmt.Errorf("invalid port %d", t.port)
	}

	return nil
}

// Start begins serving webhook requests and delivering them through the
// callback. It returns once the listener is up.
func (t *Trigger) Start(ctx context.Context, callback protocol.TriggerCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}

	t.callback = callback

	app := t.newApp()
	t.app = app
	t.started = true

	t.logger.Info("Starting webhook trigger")

	go func() {
		err := app.Listen(fmt.Sprintf(":%d", t.port), fiber.ListenConfig{
			DisableStartupMessage: true,
		})
		if err != nil {
			t.logger.Error("Webhook listener error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = t.Stop(shutdownCtx)
	}()

	return nil
}

func (t *Trigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return nil
	}

	t.logger.Info("Stopping webhook trigger")

	if err := t.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("failed to shut down webhook listener: %w", err)
	}

	t.started = false

	return nil
}

// App exposes the fiber application for in-process testing.
func (t *Trigger) App() *fiber.App {
	return t.app
}

func (t *Trigger) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit: maxBodySize,
	})

	app.Post("/webhook/:workflow", t.handleDelivery)
	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	return app
}

// handleDelivery turns one HTTP request into one trigger event. The callback
// runs before the response: a rejected delivery is rejected in-band, never
// silently dropped after a 200.
func (t *Trigger) handleDelivery(c fiber.Ctx) error {
	workflowID := c.Params("workflow")
	if workflowID == "" {
		return badRequest(c, "missing workflow id in path")
	}

	payload := make(map[string]any)

	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return badRequest(c, "request body is not valid JSON")
		}
	}

	event := models.NewTriggerEvent("webhook", workflowID, payload)
	if deliveryID := c.Get(DeliveryIDHeader); deliveryID != "" {
		event.DedupKey = deliveryID
	}

	if err := t.callback(c.Context(), event); err != nil {
		return t.rejectDelivery(c, workflowID, err)
	}

	t.logger.Info("Webhook delivery accepted", "workflow_id", workflowID, "event_id", event.ID)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":   "accepted",
		"event_id": event.ID,
	})
}

func (t *Trigger) rejectDelivery(c fiber.Ctx, workflowID string, err error) error {
	switch {
	case errors.Is(err, lookup.ErrNotFound):
		t.logger.Warn("Webhook delivery for unknown workflow", "workflow_id", workflowID)

		return notFound(c, fmt.Sprintf("workflow %s not found", workflowID))
	case errors.Is(err, models.ErrInvalidDefinition):
		t.logger.Warn("Webhook delivery for invalid workflow",
			"workflow_id", workflowID, "error", err)

		return unprocessable(c, err.Error())
	default:
		t.logger.Error("Webhook delivery failed", "workflow_id", workflowID, "error", err)

		return internalError(c, err)
	}
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("invalid_request").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("workflow_not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func unprocessable(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusUnprocessableEntity).
		WithInstance(c.Path()).
		WithType("invalid_workflow").
		WithDetail(detail)

	return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}
