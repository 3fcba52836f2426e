// Package kafka consumes inbound events from Kafka topics and hands them to the trigger engine.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/services"
	"github.com/jonboulle/clockwork"
)

// SourceType is the sourceType of every event read from Kafka.
const SourceType = "kafka"

// Header names read from each message. Payload fields are used when a header is absent.
const (
	HeaderUserID    = "user_id"
	HeaderEventType = "event_type"
	HeaderContactID = "contact_id"
)

const retryDelay = 5 * time.Second

// ErrNoUser is returned for messages without a user_id header when no default user is set.
var ErrNoUser = errors.New("message has no user")

// Handler processes one decoded event.
type Handler func(ctx context.Context, userID string, event models.Event) error

type Config struct {
	Brokers       []string
	Topics        []string
	ConsumerGroup string
	// UserID owns messages without a user_id header.
	UserID string
}

func (c Config) validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("at least one broker is required"))
	}

	if len(c.Topics) == 0 {
		errs = append(errs, errors.New("at least one topic is required"))
	}

	if c.ConsumerGroup == "" {
		errs = append(errs, errors.New("consumer group is required"))
	}

	return errors.Join(errs...)
}

type Receiver struct {
	config  Config
	handler Handler
	logger  *slog.Logger
	clock   clockwork.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReceiver(config Config, handler Handler, logger *slog.Logger, clock clockwork.Clock) (*Receiver, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka ingestion config: %w", err)
	}

	return &Receiver{
		config:  config,
		handler: handler,
		logger:  logger.With("module", "kafka_ingest"),
		clock:   clock,
	}, nil
}

// Start joins the consumer group and consumes in the background until Stop or ctx ends.
func (r *Receiver) Start(ctx context.Context) error {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(r.config.Brokers, r.config.ConsumerGroup, config)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)

	go func() {
		defer r.wg.Done()

		defer func() {
			if err := consumer.Close(); err != nil {
				r.logger.ErrorContext(ctx, "Error closing Kafka consumer", "error", err)
			}
		}()

		for ctx.Err() == nil {
			if err := consumer.Consume(ctx, r.config.Topics, r); err != nil {
				r.logger.ErrorContext(ctx, "Kafka consumer error", "error", err)

				select {
				case <-ctx.Done():
				case <-r.clock.After(retryDelay):
				}
			}
		}
	}()

	go func() {
		defer r.wg.Done()

		for {
			select {
			case err, ok := <-consumer.Errors():
				if !ok {
					return
				}

				r.logger.ErrorContext(ctx, "Kafka consumer group error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.InfoContext(ctx, "Kafka ingestion started",
		"topics", r.config.Topics, "consumer_group", r.config.ConsumerGroup)

	return nil
}

// Stop leaves the consumer group and waits for the consumer to close.
func (r *Receiver) Stop(context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	r.wg.Wait()

	return nil
}

func (r *Receiver) Setup(sarama.ConsumerGroupSession) error {
	r.logger.Debug("Kafka consumer group session started")

	return nil
}

func (r *Receiver) Cleanup(sarama.ConsumerGroupSession) error {
	r.logger.Debug("Kafka consumer group session ended")

	return nil
}

// ConsumeClaim processes messages in order. Invalid messages are logged and skipped; any other
// failure ends the session so the message is delivered again.
func (r *Receiver) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()

	for message := range claim.Messages() {
		logger := r.logger.With("topic", message.Topic, "partition", message.Partition, "offset", message.Offset)

		userID, event, err := Decode(message, r.config.UserID, r.clock.Now())
		if err != nil {
			logger.WarnContext(ctx, "skipping message", "error", err)
			session.MarkMessage(message, "")

			continue
		}

		if err := r.handler(ctx, userID, event); err != nil {
			if !services.IsValidationError(err) {
				return fmt.Errorf("failed to process message at offset %d: %w", message.Offset, err)
			}

			logger.WarnContext(ctx, "dropping invalid event", "error", err)
		}

		session.MarkMessage(message, "")
	}

	return nil
}

// Decode maps a message to an event. A JSON object value becomes the payload; other values are
// stored under "message", or "raw_message" when they are not JSON. The event type falls back to
// the topic.
func Decode(message *sarama.ConsumerMessage, defaultUser string, now time.Time) (string, models.Event, error) {
	headers := make(map[string]string, len(message.Headers))
	for _, header := range message.Headers {
		if header != nil {
			headers[string(header.Key)] = string(header.Value)
		}
	}

	payload := decodeValue(message.Value)

	userID := first(headers[HeaderUserID], stringField(payload, "userId"), defaultUser)
	if userID == "" {
		return "", models.Event{}, ErrNoUser
	}

	event := models.Event{
		SourceType: SourceType,
		EventType:  first(headers[HeaderEventType], stringField(payload, "eventType"), message.Topic),
		ContactID:  first(headers[HeaderContactID], stringField(payload, "contactId")),
		Timestamp:  message.Timestamp,
		Payload:    payload,
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	if len(message.Key) > 0 {
		event.Payload["key"] = string(message.Key)
	}

	event.Payload["topic"] = message.Topic

	return userID, event, nil
}

func decodeValue(value []byte) map[string]any {
	if len(value) == 0 {
		return map[string]any{}
	}

	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return map[string]any{"raw_message": string(value)}
	}

	if object, ok := decoded.(map[string]any); ok {
		return object
	}

	return map[string]any{"message": decoded}
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)

	return s
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
