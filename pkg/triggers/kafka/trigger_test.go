package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/lookup"
	"github.com/loomworks/loom/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestTriggerValidate(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		workflow  string
		brokers   []string
		wantError bool
	}{
		{
			name:     "valid config",
			topic:    "orders",
			workflow: "wf-1",
			brokers:  []string{"localhost:9092"},
		},
		{
			name:      "missing topic",
			workflow:  "wf-1",
			brokers:   []string{"localhost:9092"},
			wantError: true,
		},
		{
			name:      "missing brokers",
			topic:     "orders",
			workflow:  "wf-1",
			wantError: true,
		},
		{
			name:      "missing workflow id",
			topic:     "orders",
			brokers:   []string{"localhost:9092"},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger := NewTrigger(tt.topic, "", tt.workflow, tt.brokers, testLogger())

			err := trigger.Validate()
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTriggerDefaultsConsumerGroup(t *testing.T) {
	trigger := NewTrigger("orders", "", "wf-1", []string{"localhost:9092"}, testLogger())
	assert.Equal(t, "loom-triggers", trigger.ConsumerGroup)

	trigger = NewTrigger("orders", "custom-group", "wf-1", []string{"localhost:9092"}, testLogger())
	assert.Equal(t, "custom-group", trigger.ConsumerGroup)
}

func TestFactoryCreate(t *testing.T) {
	factory := NewTriggerFactory()
	assert.Equal(t, "kafka", factory.ID())

	trigger, err := factory.Create(map[string]any{
		"topic":       "orders",
		"workflow_id": "wf-1",
		"brokers":     "kafka1:9092, kafka2:9092",
	}, testLogger())
	require.NoError(t, err)

	kt, ok := trigger.(*Trigger)
	require.True(t, ok)
	assert.Equal(t, []string{"kafka1:9092", "kafka2:9092"}, kt.Brokers)

	_, err = factory.Create(nil, testLogger())
	assert.ErrorIs(t, err, ErrConfigNil)

	_, err = factory.Create(map[string]any{"topic": "orders"}, testLogger())
	assert.Error(t, err)
}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }

func (s *fakeSession) MemberID() string { return "test-member" }

func (s *fakeSession) GenerationID() int32 { return 1 }

func (s *fakeSession) MarkOffset(string, int32, int64, string) {}

func (s *fakeSession) Commit() {}

func (s *fakeSession) ResetOffset(string, int32, int64, string) {}

func (s *fakeSession) MarkMessage(message *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, message.Offset)
}

func (s *fakeSession) Context() context.Context { return s.ctx }

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "orders" }

func (c *fakeClaim) Partition() int32 { return 0 }

func (c *fakeClaim) InitialOffset() int64 { return 0 }

func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(offsets ...int64) *fakeClaim {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(offsets))}

	for _, offset := range offsets {
		claim.messages <- &sarama.ConsumerMessage{
			Topic:  "orders",
			Offset: offset,
			Value:  []byte(`{}`),
		}
	}

	close(claim.messages)

	return claim
}

func TestConsumeClaimDropsRejectedMessages(t *testing.T) {
	trigger := NewTrigger("orders", "", "wf-1", []string{"localhost:9092"}, testLogger())

	var delivered []int64

	trigger.callback = func(_ context.Context, event models.TriggerEvent) error {
		offset, _ := event.Payload["offset"].(int64)
		delivered = append(delivered, offset)

		if offset == 1 {
			return fmt.Errorf("failed to resolve workflow wf-1: %w", lookup.ErrNotFound)
		}

		return nil
	}

	session := &fakeSession{ctx: context.Background()}
	handler := &consumerGroupHandler{trigger: trigger}

	err := handler.ConsumeClaim(session, newClaim(1, 2))
	require.NoError(t, err)

	// The rejected message is marked and skipped; the next one still flows.
	assert.Equal(t, []int64{1, 2}, delivered)
	assert.Equal(t, []int64{1, 2}, session.marked)
}

func TestConsumeClaimInvalidDefinitionIsDropped(t *testing.T) {
	trigger := NewTrigger("orders", "", "wf-1", []string{"localhost:9092"}, testLogger())

	trigger.callback = func(context.Context, models.TriggerEvent) error {
		return fmt.Errorf("failed to resolve workflow wf-1: %w", models.ErrInvalidDefinition)
	}

	session := &fakeSession{ctx: context.Background()}
	handler := &consumerGroupHandler{trigger: trigger}

	err := handler.ConsumeClaim(session, newClaim(5))
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, session.marked)
}

func TestConsumeClaimTransientErrorLeavesOffsetUnmarked(t *testing.T) {
	trigger := NewTrigger("orders", "", "wf-1", []string{"localhost:9092"}, testLogger())

	trigger.callback = func(context.Context, models.TriggerEvent) error {
		return errors.New("definition backend unavailable")
	}

	session := &fakeSession{ctx: context.Background()}
	handler := &consumerGroupHandler{trigger: trigger}

	err := handler.ConsumeClaim(session, newClaim(7))
	require.Error(t, err)
	assert.Empty(t, session.marked)
}

func TestEventFromMessage(t *testing.T) {
	trigger := NewTrigger("orders", "", "wf-1", []string{"localhost:9092"}, testLogger())

	message := &sarama.ConsumerMessage{
		Topic:     "orders",
		Partition: 2,
		Offset:    41,
		Key:       []byte("order-9"),
		Value:     []byte(`{"amount": 12.5}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte("source"), Value: []byte("checkout")},
		},
	}

	event := trigger.eventFromMessage(message)

	assert.Equal(t, "kafka", event.Source)
	assert.Equal(t, "wf-1", event.WorkflowID)
	assert.Equal(t, "orders/2/41", event.DedupKey)
	assert.Equal(t, "order-9", event.Payload["key"])
	assert.Equal(t, map[string]any{"amount": 12.5}, event.Payload["message"])
	assert.Equal(t, map[string]string{"source": "checkout"}, event.Payload["headers"])
}

func TestEventFromMessageNonJSONValue(t *testing.T) {
	trigger := NewTrigger("orders", "", "wf-1", []string{"localhost:9092"}, testLogger())

	message := &sarama.ConsumerMessage{
		Topic:     "orders",
		Partition: 0,
		Offset:    7,
		Value:     []byte("plain text"),
	}

	event := trigger.eventFromMessage(message)
	assert.Equal(t, "plain text", event.Payload["message"])
	assert.Equal(t, "orders/0/7", event.DedupKey)
}
