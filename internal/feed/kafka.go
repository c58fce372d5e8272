package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig for the notification consumer
type KafkaConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
}

// MessageReader is the subset of *kafka.Reader used by the consumer
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer applies offer notifications read from a Kafka topic.
// Offsets are committed after handling; payloads that can never succeed
// are logged and committed so they do not block the partition.
type KafkaConsumer struct {
	reader  MessageReader
	handler *Handler
	logger  core.ILogger

	retryDelay time.Duration

	mu        sync.RWMutex
	lastErr   error
	processed int64
}

// NewKafkaConsumer creates a consumer group reader for cfg.Topic
func NewKafkaConsumer(cfg KafkaConfig, handler *Handler, logger core.ILogger) *KafkaConsumer {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    kafka.LastOffset,
	})
	logger.Info("Kafka consumer created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group_id", cfg.GroupID)
	return NewKafkaConsumerWithReader(reader, handler, logger)
}

// NewKafkaConsumerWithReader wraps an existing reader
func NewKafkaConsumerWithReader(reader MessageReader, handler *Handler, logger core.ILogger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:     reader,
		handler:    handler,
		logger:     logger.WithField("component", "kafka_consumer"),
		retryDelay: time.Second,
	}
}

// Run consumes until ctx is cancelled
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka consumer started")
	defer c.logger.Info("Kafka consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.setErr(err)
			c.logger.Error("Failed to fetch Kafka message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		c.handleMessage(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.setErr(err)
			c.logger.Error("Failed to commit Kafka offset",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
		}
	}
}

func (c *KafkaConsumer) handleMessage(ctx context.Context, msg kafka.Message) {
	receivedAt := msg.Time
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err := c.handler.Handle(ctx, msg.Value, receivedAt)

	c.mu.Lock()
	c.processed++
	c.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrInvalidNotification), errors.Is(err, apperrors.ErrRecordNotFound):
		// Permanent; retrying the message cannot help
	default:
		c.setErr(err)
		c.logger.Warn("Offer notification not applied",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err)
	}
}

func (c *KafkaConsumer) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Processed returns the number of messages handled
func (c *KafkaConsumer) Processed() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.processed
}

// LastError returns the most recent fetch, commit or apply failure
func (c *KafkaConsumer) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Close releases the reader
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
