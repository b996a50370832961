package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/segmentio/kafka-go"
)

// Producer is the subset of producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (producedAt time.Time, err error)
	Close() error
}

// KafkaProducerConfig configures KafkaProducer.
type KafkaProducerConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts defaults to 3.
	MaxAttempts uint

	// WriteTimeout bounds one attempt. Defaults to 5s.
	WriteTimeout time.Duration

	// Balancer defaults to key hashing so all entries of a sequence range
	// keyed identically land on one partition.
	Balancer kafka.Balancer
}

// KafkaProducer wraps a synchronous kafka-go Writer with retries.
type KafkaProducer struct {
	writer       *kafka.Writer
	maxAttempts  uint
	writeTimeout time.Duration
}

// NewKafkaProducer validates cfg and builds the writer.
func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     cfg.Balancer,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaProducer{writer: w, maxAttempts: cfg.MaxAttempts, writeTimeout: cfg.WriteTimeout}, nil
}

// Produce writes one message, retrying with exponential backoff.
func (p *KafkaProducer) Produce(ctx context.Context, key []byte, value []byte) (time.Time, error) {
	msg := kafka.Message{Key: key, Value: value, Time: time.Now().UTC()}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(p.maxAttempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, config)
		}),
	)
	err := r.Do(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
		return p.writer.WriteMessages(attemptCtx, msg)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, err)
	}
	return msg.Time, nil
}

// Close flushes and closes the writer.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
