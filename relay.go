package eventflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// RelayOption customizes a KafkaRelay.
type RelayOption func(*KafkaRelay)

// WithRelayProducerProps merges producer properties into the defaults.
func WithRelayProducerProps(props kafka.ConfigMap) RelayOption {
	return func(r *KafkaRelay) {
		for k, v := range props {
			r.producerProps[k] = v
		}
	}
}

// WithRelayTopic sets the destination topic.
func WithRelayTopic(topic string) RelayOption {
	return func(r *KafkaRelay) {
		r.topic = topic
	}
}

// KafkaRelay forwards published events to a Kafka topic so consumers outside
// the process (analytics, notification senders, other services) can react to
// them. Subscribe its Handler to the event types that should leave the
// process. Events are keyed by aggregate id, so per-aggregate order survives
// partitioning.
type KafkaRelay struct {
	logger        *zap.Logger
	producer      *kafka.Producer
	producerProps kafka.ConfigMap
	topic         string
}

// NewKafkaRelay creates a relay with an idempotent producer.
func NewKafkaRelay(logger *zap.Logger, opts ...RelayOption) (*KafkaRelay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &KafkaRelay{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		topic: "fundlyhub-events",
	}

	for _, opt := range opts {
		opt(r)
	}

	producer, err := kafka.NewProducer(&r.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	r.producer = producer

	go r.handleDeliveryReports()

	return r, nil
}

// Handler returns the bus handler that forwards events to Kafka.
func (r *KafkaRelay) Handler() HandlerFunc {
	return func(ctx context.Context, event Event) error {
		return r.forward(event)
	}
}

func (r *KafkaRelay) forward(event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	r.logger.Debug("Forwarding event to kafka",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("topic", r.topic),
	)

	topic := r.topic
	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.AggregateID),
		Value:          value,
		Headers:        relayHeaders(event),
		Timestamp:      time.UnixMilli(event.Timestamp),
	}
	return r.producer.Produce(message, nil)
}

// Close flushes outstanding messages and closes the producer.
func (r *KafkaRelay) Close() error {
	r.logger.Info("Closing kafka relay")
	r.producer.Flush(15 * 1000)
	r.producer.Close()
	return nil
}

func (r *KafkaRelay) handleDeliveryReports() {
	for e := range r.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				r.logger.Error("Relay delivery failed",
					zap.String("topic", *ev.TopicPartition.Topic),
					zap.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			r.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

func relayHeaders(event Event) []kafka.Header {
	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(event.ID)},
		{Key: "event_type", Value: []byte(event.Type)},
		{Key: "aggregate_id", Value: []byte(event.AggregateID)},
		{Key: "version", Value: []byte(event.Version)},
	}
	if event.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: "correlation_id", Value: []byte(event.CorrelationID)})
	}
	for k, v := range event.Metadata {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
