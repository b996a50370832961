// Package alert raises and delivers security alerts. Delivery never blocks
// the enforcement path: alerts are queued and dropped when the queue is full
// or the rate limit is exceeded.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
)

// Type classifies an alert.
type Type string

const (
	TypePolicy             Type = "policy"
	TypeGuard              Type = "guard_violation"
	TypeTamper             Type = "tamper"
	TypeRepeatedDenials    Type = "repeated_denials"
	TypeSyscallBurst       Type = "syscall_burst"
	TypeUnknownParent      Type = "unknown_parent"
	TypeStorageUnavailable Type = "storage_unavailable"
	TypeQuarantine         Type = "quarantine"
)

// Alert is one notification to operators.
type Alert struct {
	ID       string            `json:"id"`
	Type     Type              `json:"type"`
	Severity event.Severity    `json:"severity"`
	Time     time.Time         `json:"time"`
	EventID  string            `json:"event_id,omitempty"`
	PID      int               `json:"pid,omitempty"`
	Comm     string            `json:"comm,omitempty"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
}

// New builds an alert about ev.
func New(typ Type, sev event.Severity, ev event.SecurityEvent, msg string) Alert {
	return Alert{
		ID:       uuid.NewString(),
		Type:     typ,
		Severity: sev,
		Time:     time.Now().UTC(),
		EventID:  ev.ID,
		PID:      ev.Subject.PID,
		Comm:     ev.Subject.Comm,
		Message:  msg,
	}
}

// Sink delivers alerts somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
	Close() error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alert")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("event_id", a.EventID),
		zap.Int("pid", a.PID),
		zap.String("comm", a.Comm),
	}
	if len(a.Details) > 0 {
		fields = append(fields, zap.Any("details", a.Details))
	}
	if a.Severity.Rank() >= event.SeverityHigh.Rank() {
		s.logger.Error(a.Message, fields...)
	} else {
		s.logger.Warn(a.Message, fields...)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// NATSSink publishes JSON alerts on a subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// DialNATSSink connects to url and closes the connection on Close.
func DialNATSSink(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("zt-kernel-alerts"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{nc: nc, subject: subject, owned: true}, nil
}

// NewNATSSink publishes on an existing connection.
func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	return &NATSSink{nc: nc, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Send(_ context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	// subject suffix lets subscribers filter by type
	if err := s.nc.Publish(s.subject+"."+string(a.Type), data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if s.owned {
		return s.nc.Drain()
	}
	return nil
}

// KafkaSink writes JSON alerts to a topic keyed by alert type.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka alert sink: brokers and topic required")
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(a.Type), Value: data, Time: a.Time})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
