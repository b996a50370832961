package intercept

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/gate"
)

// FormatHeader selects the payload format of a NATS request; JSON when absent.
const FormatHeader = "Zt-Format"

// NATSSource receives notifications as NATS requests on a queue group and
// answers each with a JSON Reply.
type NATSSource struct {
	nc      *nats.Conn
	subject string
	queue   string
	logger  *zap.Logger
}

func NewNATSSource(nc *nats.Conn, subject, queue string, logger *zap.Logger) *NATSSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{nc: nc, subject: subject, queue: queue, logger: logger}
}

func (s *NATSSource) Name() string { return "nats" }

func (s *NATSSource) Run(ctx context.Context, out chan<- Notification) error {
	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, func(m *nats.Msg) {
		n := NewNotification(rawFromMsg(m), func(o gate.Outcome) error {
			return respondMsg(m, ReplyFrom(o))
		})
		select {
		case out <- n:
		case <-ctx.Done():
			if err := n.Deny("shutting down"); err != nil {
				s.logger.Warn("deny on shutdown failed", zap.Error(err))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.logger.Info("subscribed", zap.String("subject", s.subject), zap.String("queue", s.queue))

	<-ctx.Done()
	// Drain lets in-flight handlers finish handing off before we return.
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain %s: %w", s.subject, err)
	}
	deadline := time.Now().Add(closeGrace)
	for sub.IsValid() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func rawFromMsg(m *nats.Msg) event.RawNotification {
	format := event.FormatJSON
	if m.Header != nil {
		if f := m.Header.Get(FormatHeader); f != "" {
			format = event.Format(f)
		}
	}
	return event.RawNotification{Format: format, Payload: m.Data, ReceivedAt: time.Now()}
}

func respondMsg(m *nats.Msg, r Reply) error {
	if m.Reply == "" {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	return m.Respond(data)
}
