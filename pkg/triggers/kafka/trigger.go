// Package kafka starts workflow runs from Kafka messages. One trigger owns
// one consumer group subscription; each message becomes a trigger event keyed
// by topic, partition and offset so redeliveries deduplicate downstream.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"github.com/loomworks/loom/pkg/lookup"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/protocol"
)

const (
	sessionTimeout    = 10 * time.Second
	heartbeatInterval = 3 * time.Second

	// Reconnect budget. When exhausted the trigger declares itself degraded
	// instead of spinning forever against a broker that will not come back.
	reconnectInitialInterval = time.Second
	reconnectMaxInterval     = 30 * time.Second
	reconnectMaxRetries      = 10
)

type Trigger struct {
	Topic         string
	ConsumerGroup string
	Brokers       []string
	WorkflowID    string

	consumer sarama.ConsumerGroup
	callback protocol.TriggerCallback
	logger   *slog.Logger

	// OnDegraded is invoked once when the reconnect budget is exhausted.
	OnDegraded func(ctx context.Context, err error)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

func NewTrigger(topic, consumerGroup, workflowID string, brokers []string, logger *slog.Logger) *Trigger {
	if consumerGroup == "" {
		consumerGroup = "loom-triggers"
	}

	return &Trigger{
		Topic:         topic,
		ConsumerGroup: consumerGroup,
		Brokers:       brokers,
		WorkflowID:    workflowID,
		logger: logger.With(
			"module", "kafka_trigger",
			"topic", topic,
			"consumer_group", consumerGroup,
		),
	}
}

func (t *Trigger) Validate() error {
	if t.Topic == "" {
		return errors.New("kafka trigger topic is required")
	}

	if len(t.Brokers) == 0 {
		return errors.New("kafka trigger brokers are required")
	}

	if t.WorkflowID == "" {
		return errors.New("kafka trigger workflow id is required")
	}

	return nil
}

func (t *Trigger) Start(ctx context.Context, callback protocol.TriggerCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}

	t.callback = callback

	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Group.Session.Timeout = sessionTimeout
	config.Consumer.Group.Heartbeat.Interval = heartbeatInterval
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(t.Brokers, t.ConsumerGroup, config)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	t.consumer = consumer
	t.cancel = cancel
	t.started = true

	t.logger.Info("Starting kafka trigger", "workflow_id", t.WorkflowID)

	go t.consume(consumeCtx)
	go t.monitorErrors(consumeCtx)

	return nil
}

func (t *Trigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return nil
	}

	t.logger.InfoContext(ctx, "Stopping kafka trigger")

	t.cancel()
	t.started = false

	if err := t.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}

	return nil
}

// consume runs consumer group sessions until the context ends or the
// reconnect budget is exhausted. Session errors back off exponentially; a
// healthy session resets the budget.
func (t *Trigger) consume(ctx context.Context) {
	handler := &consumerGroupHandler{trigger: t}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectInitialInterval
	policy.MaxInterval = reconnectMaxInterval
	policy.MaxElapsedTime = 0

	operation := func() error {
		err := t.consumer.Consume(ctx, []string{t.Topic}, handler)
		if err != nil {
			t.logger.Error("Kafka consumer session failed", "error", err)

			return err
		}

		// Clean session end (rebalance). Start the next session with a fresh
		// budget.
		policy.Reset()

		return nil
	}

	for ctx.Err() == nil {
		err := backoff.Retry(operation, backoff.WithContext(
			backoff.WithMaxRetries(policy, reconnectMaxRetries), ctx))
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return
		}

		degraded := &protocol.DeliveryError{
			Source: "kafka",
			Err:    fmt.Errorf("%w: reconnect budget exhausted: %w", protocol.ErrTriggerDegraded, err),
		}

		t.logger.Error("Kafka trigger degraded", "error", degraded)

		if t.OnDegraded != nil {
			t.OnDegraded(ctx, degraded)
		}

		return
	}
}

func (t *Trigger) monitorErrors(ctx context.Context) {
	for {
		select {
		case err, ok := <-t.consumer.Errors():
			if !ok {
				return
			}

			t.logger.Error("Kafka consumer group error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

type consumerGroupHandler struct {
	trigger *Trigger
}

func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.trigger.logger.InfoContext(session.Context(), "Kafka consumer group session started")

	return nil
}

func (h *consumerGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.trigger.logger.InfoContext(session.Context(), "Kafka consumer group session ended")

	return nil
}

// ConsumeClaim delivers each message through the callback and marks its
// offset only after the callback returns. A transiently failed delivery
// leaves the offset unmarked so the message comes back after the session
// restarts; a rejected delivery is logged, marked and dropped, because no
// redelivery can fix it.
func (h *consumerGroupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	ctx := session.Context()

	for message := range claim.Messages() {
		event := h.trigger.eventFromMessage(message)

		if err := h.trigger.callback(ctx, event); err != nil {
			if permanentRejection(err) {
				h.trigger.logger.ErrorContext(ctx, "Dropping rejected kafka message",
					"partition", message.Partition,
					"offset", message.Offset,
					"error", err,
				)

				session.MarkMessage(message, "")

				continue
			}

			h.trigger.logger.ErrorContext(ctx, "Failed to hand off kafka message",
				"partition", message.Partition,
				"offset", message.Offset,
				"error", err,
			)

			return fmt.Errorf("failed to hand off message at offset %d: %w", message.Offset, err)
		}

		session.MarkMessage(message, "")
	}

	return nil
}

// permanentRejection reports errors no redelivery can fix: the workflow does
// not exist or its definition does not validate.
func permanentRejection(err error) bool {
	return errors.Is(err, lookup.ErrNotFound) || errors.Is(err, models.ErrInvalidDefinition)
}

// eventFromMessage builds the trigger event for one message. The dedup key is
// derived from the message's coordinates, which are stable across
// redeliveries.
func (t *Trigger) eventFromMessage(message *sarama.ConsumerMessage) models.TriggerEvent {
	var value any

	if len(message.Value) > 0 {
		if err := json.Unmarshal(message.Value, &value); err != nil {
			value = string(message.Value)
		}
	}

	headers := make(map[string]string, len(message.Headers))
	for _, header := range message.Headers {
		headers[string(header.Key)] = string(header.Value)
	}

	payload := map[string]any{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
		"message":   value,
		"headers":   headers,
	}

	event := models.NewTriggerEvent("kafka", t.WorkflowID, payload)
	event.DedupKey = t.Topic + "/" +
		strconv.FormatInt(int64(message.Partition), 10) + "/" +
		strconv.FormatInt(message.Offset, 10)

	return event
}
