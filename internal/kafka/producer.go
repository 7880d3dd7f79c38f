package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

// DefaultTopic receives every subscription lifecycle event.
const DefaultTopic = "subscription-events"

// Producer publishes subscription lifecycle events.
type Producer interface {
	// PublishSubscriptionEvent sends evt keyed by tenant id so one tenant's events stay ordered.
	PublishSubscriptionEvent(ctx context.Context, evt *domain.SubscriptionEvent) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaProducer struct {
	writer messageWriter
	topic  string
	log    *logger.Logger
}

// NewKafkaProducer creates a producer writing to topic on brokers.
func NewKafkaProducer(brokers []string, topic string, log *logger.Logger) (Producer, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka producer initialized", "brokers", brokers, "topic", topic)
	return newProducerWithWriter(writer, topic, log), nil
}

func newProducerWithWriter(w messageWriter, topic string, log *logger.Logger) *kafkaProducer {
	return &kafkaProducer{writer: w, topic: topic, log: log}
}

func (k *kafkaProducer) PublishSubscriptionEvent(ctx context.Context, evt *domain.SubscriptionEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		k.log.Errorw("Failed to marshal subscription event", "error", err, "tenantID", evt.TenantID, "type", string(evt.Type))
		return fmt.Errorf("kafka: failed to marshal message data: %w", err)
	}

	message := kafka.Message{
		Topic: k.topic,
		Key:   []byte(evt.TenantID),
		Value: value,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := k.writer.WriteMessages(writeCtx, message); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			k.log.Errorw("Kafka write timeout exceeded", "error", err, "topic", k.topic, "tenantID", evt.TenantID)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		k.log.Errorw("Failed to write message to Kafka", "error", err, "topic", k.topic, "tenantID", evt.TenantID)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.log.Infow("Published subscription event", "topic", k.topic, "type", string(evt.Type), "tenantID", evt.TenantID)
	return nil
}

func (k *kafkaProducer) Close() error {
	k.log.Infow("Closing Kafka producer writer...")
	if err := k.writer.Close(); err != nil {
		k.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	return nil
}

// NopProducer drops events. Used when Kafka is disabled.
type NopProducer struct {
	log *logger.Logger
}

// NewNopProducer returns a Producer that only logs at debug level.
func NewNopProducer(log *logger.Logger) *NopProducer {
	return &NopProducer{log: log}
}

func (p *NopProducer) PublishSubscriptionEvent(_ context.Context, evt *domain.SubscriptionEvent) error {
	p.log.Debugw("Kafka disabled, dropping subscription event", "type", string(evt.Type), "tenantID", evt.TenantID)
	return nil
}

func (p *NopProducer) Close() error { return nil }
