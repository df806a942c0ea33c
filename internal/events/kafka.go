package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka event mirror.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultKafkaConfig returns the default mirror configuration, disabled.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		Topic:        "quantumleap.events",
		WriteTimeout: 1 * time.Second,
	}
}

// KafkaMirror republishes delivered domain events to a Kafka topic so
// downstream consumers (compliance, analytics) see the same stream without
// coupling to the in-process bus.
type KafkaMirror struct {
	writer *kafka.Writer
	config KafkaConfig
	logger *zap.Logger
}

var _ Mirror = (*KafkaMirror)(nil)

// NewKafkaMirror creates a mirror writing to the configured topic. Messages
// are keyed by event kind so per-kind ordering survives partitioning.
func NewKafkaMirror(config KafkaConfig, logger *zap.Logger) *KafkaMirror {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &KafkaMirror{
		writer: writer,
		config: config,
		logger: logger.Named("kafka-mirror"),
	}
}

// Publish writes one event to the mirror topic.
func (m *KafkaMirror) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Kind),
		Value: value,
		Time:  evt.Timestamp,
	})
}

// Close flushes and closes the underlying writer.
func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}
