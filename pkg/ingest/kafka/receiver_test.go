package kafka

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/services"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func header(key, value string) *sarama.RecordHeader {
	return &sarama.RecordHeader{Key: []byte(key), Value: []byte(value)}
}

func TestDecode(t *testing.T) {
	sent := time.Date(2024, 1, 9, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		message   *sarama.ConsumerMessage
		user      string
		event     models.Event
		expectErr error
	}{
		{
			name: "headers win over payload",
			message: &sarama.ConsumerMessage{
				Topic:     "crm.events",
				Key:       []byte("c1"),
				Timestamp: sent,
				Headers: []*sarama.RecordHeader{
					header(HeaderUserID, "u1"),
					header(HeaderEventType, "lead_created"),
					header(HeaderContactID, "c1"),
				},
				Value: []byte(`{"eventType":"ignored","plan":"pro"}`),
			},
			user: "u1",
			event: models.Event{
				SourceType: SourceType,
				EventType:  "lead_created",
				ContactID:  "c1",
				Timestamp:  sent,
				Payload:    map[string]any{"eventType": "ignored", "plan": "pro", "key": "c1", "topic": "crm.events"},
			},
		},
		{
			name: "payload fields and default user",
			message: &sarama.ConsumerMessage{
				Topic: "crm.events",
				Value: []byte(`{"eventType":"purchase","contactId":"c2","amount":10}`),
			},
			user: "default",
			event: models.Event{
				SourceType: SourceType,
				EventType:  "purchase",
				ContactID:  "c2",
				Timestamp:  now,
				Payload:    map[string]any{"eventType": "purchase", "contactId": "c2", "amount": float64(10), "topic": "crm.events"},
			},
		},
		{
			name: "event type falls back to topic",
			message: &sarama.ConsumerMessage{
				Topic: "orders",
				Value: []byte(`[1,2]`),
			},
			user: "default",
			event: models.Event{
				SourceType: SourceType,
				EventType:  "orders",
				Timestamp:  now,
				Payload:    map[string]any{"message": []any{float64(1), float64(2)}, "topic": "orders"},
			},
		},
		{
			name: "non JSON value",
			message: &sarama.ConsumerMessage{
				Topic: "orders",
				Value: []byte("hello"),
			},
			user: "default",
			event: models.Event{
				SourceType: SourceType,
				EventType:  "orders",
				Timestamp:  now,
				Payload:    map[string]any{"raw_message": "hello", "topic": "orders"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, event, err := Decode(tt.message, "default", now)
			require.NoError(t, err)

			assert.Equal(t, tt.user, userID)
			assert.Equal(t, tt.event, event)
		})
	}
}

func TestDecode_NoUser(t *testing.T) {
	_, _, err := Decode(&sarama.ConsumerMessage{Topic: "orders"}, "", now)

	assert.ErrorIs(t, err, ErrNoUser)
}

func TestNewReceiver_Validation(t *testing.T) {
	_, err := NewReceiver(Config{}, nil, slog.Default(), clockwork.NewFakeClock())
	require.Error(t, err)

	for _, want := range []string{"broker", "topic", "consumer group"} {
		assert.Contains(t, err.Error(), want)
	}
}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 {
	return nil
}

func (s *fakeSession) MemberID() string {
	return "member"
}

func (s *fakeSession) GenerationID() int32 {
	return 1
}

func (s *fakeSession) MarkOffset(string, int32, int64, string) {}

func (s *fakeSession) Commit() {}

func (s *fakeSession) ResetOffset(string, int32, int64, string) {}

func (s *fakeSession) Context() context.Context {
	return s.ctx
}

func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, m.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string {
	return "crm.events"
}

func (c *fakeClaim) Partition() int32 {
	return 0
}

func (c *fakeClaim) InitialOffset() int64 {
	return 0
}

func (c *fakeClaim) HighWaterMarkOffset() int64 {
	return 0
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage {
	return c.messages
}

func claimOf(messages ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, m := range messages {
		ch <- m
	}

	close(ch)

	return &fakeClaim{messages: ch}
}

func TestConsumeClaim(t *testing.T) {
	var handled []models.Event

	handler := func(_ context.Context, userID string, event models.Event) error {
		assert.Equal(t, "u1", userID)

		if event.EventType == "bad" {
			return services.NewValidationError("ProcessEvent", "sourceType is required")
		}

		handled = append(handled, event)

		return nil
	}

	receiver, err := NewReceiver(Config{
		Brokers:       []string{"localhost:9092"},
		Topics:        []string{"crm.events"},
		ConsumerGroup: "test",
	}, handler, slog.Default(), clockwork.NewFakeClockAt(now))
	require.NoError(t, err)

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(
		&sarama.ConsumerMessage{Topic: "crm.events", Offset: 1, Headers: []*sarama.RecordHeader{header(HeaderUserID, "u1")}},
		&sarama.ConsumerMessage{Topic: "crm.events", Offset: 2},
		&sarama.ConsumerMessage{Topic: "crm.events", Offset: 3, Headers: []*sarama.RecordHeader{
			header(HeaderUserID, "u1"), header(HeaderEventType, "bad"),
		}},
	)

	require.NoError(t, receiver.ConsumeClaim(session, claim))

	assert.Len(t, handled, 1)
	assert.Equal(t, []int64{1, 2, 3}, session.marked, "decode and validation failures are skipped")
}

func TestConsumeClaim_StopsOnFailure(t *testing.T) {
	boom := errors.New("database down")

	receiver, err := NewReceiver(Config{
		Brokers:       []string{"localhost:9092"},
		Topics:        []string{"crm.events"},
		ConsumerGroup: "test",
		UserID:        "u1",
	}, func(context.Context, string, models.Event) error { return boom }, slog.Default(), clockwork.NewFakeClockAt(now))
	require.NoError(t, err)

	session := &fakeSession{ctx: context.Background()}

	err = receiver.ConsumeClaim(session, claimOf(
		&sarama.ConsumerMessage{Topic: "crm.events", Offset: 7},
		&sarama.ConsumerMessage{Topic: "crm.events", Offset: 8},
	))

	require.ErrorIs(t, err, boom)
	assert.Empty(t, session.marked)
}
