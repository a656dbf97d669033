// Package messaging wraps the Kafka producer used to fan document events
// out of the outbox.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config carries broker settings.
type Config struct {
	Brokers           string
	Topic             string
	NumPartitions     int
	ReplicationFactor int
	WriteTimeout      time.Duration
}

// KafkaWriter is the slice of kafka.Writer the producer needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes document events to one topic, keyed by document ID so
// per-document ordering survives partitioning.
type Producer struct {
	logger *slog.Logger
	writer KafkaWriter
	topic  string
}

// NewProducer dials the broker, ensures the topic exists, and returns a
// producer. Writes are synchronous so the outbox poller sees failures and
// retries them.
func NewProducer(ctx context.Context, logger *slog.Logger, cfg Config) (*Producer, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("messaging: topic is not configured")
	}

	conn, err := kafka.Dial("tcp", cfg.Brokers)
	if err != nil {
		return nil, fmt.Errorf("messaging: dial broker: %w", err)
	}
	defer conn.Close()

	if err := ensureTopic(conn, cfg, logger); err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Producer{logger: logger, writer: writer, topic: cfg.Topic}, nil
}

// NewProducerWithWriter wires a prepared writer, for tests.
func NewProducerWithWriter(logger *slog.Logger, writer KafkaWriter, topic string) *Producer {
	return &Producer{logger: logger, writer: writer, topic: topic}
}

func (p *Producer) Publish(ctx context.Context, key string, payload []byte) error {
	msg := kafka.Message{Key: []byte(key), Value: payload}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("messaging: publish to %s: %w", p.topic, err)
	}
	p.logger.Debug("event published", slog.String("topic", p.topic), slog.String("key", key))
	return nil
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("messaging: close writer for %s: %w", p.topic, err)
	}
	return nil
}

func ensureTopic(conn *kafka.Conn, cfg Config, logger *slog.Logger) error {
	partitions, err := conn.ReadPartitions(cfg.Topic)
	if err == nil && len(partitions) > 0 {
		return nil
	}

	topicConfig := kafka.TopicConfig{
		Topic:             cfg.Topic,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}
	if topicConfig.NumPartitions == 0 {
		topicConfig.NumPartitions = 1
	}
	if topicConfig.ReplicationFactor == 0 {
		topicConfig.ReplicationFactor = 1
	}

	if err := conn.CreateTopics(topicConfig); err != nil {
		return fmt.Errorf("messaging: create topic %s: %w", cfg.Topic, err)
	}
	logger.Info("created topic", slog.String("topic", cfg.Topic))
	return nil
}
