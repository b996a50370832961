//go:build linux

package intercept

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/gate"
)

// Verdict values written to the probe's verdict map.
const (
	verdictDeny  uint8 = 1
	verdictAllow uint8 = 2
)

// RingbufSource reads fixed-size probe records from a pinned ring buffer and
// writes each verdict into a pinned hash map keyed by the record's request id.
// The probe holds the operation until its verdict appears.
type RingbufSource struct {
	events   *ebpf.Map
	verdicts *ebpf.Map
	reader   *ringbuf.Reader
	logger   *zap.Logger
}

// OpenRingbufSource opens the maps pinned by the loader under bpffs.
func OpenRingbufSource(ringbufPath, verdictPath string, logger *zap.Logger) (*RingbufSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	events, err := ebpf.LoadPinnedMap(ringbufPath, nil)
	if err != nil {
		return nil, fmt.Errorf("load ring buffer %s: %w", ringbufPath, err)
	}
	verdicts, err := ebpf.LoadPinnedMap(verdictPath, nil)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("load verdict map %s: %w", verdictPath, err)
	}
	rd, err := ringbuf.NewReader(events)
	if err != nil {
		events.Close()
		verdicts.Close()
		return nil, fmt.Errorf("ring buffer reader: %w", err)
	}
	return &RingbufSource{events: events, verdicts: verdicts, reader: rd, logger: logger}, nil
}

func (s *RingbufSource) Name() string { return "ringbuf" }

func (s *RingbufSource) Run(ctx context.Context, out chan<- Notification) error {
	go func() {
		<-ctx.Done()
		s.reader.Close()
	}()
	defer s.events.Close()

	for {
		rec, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			s.logger.Warn("ring buffer read failed", zap.Error(err))
			continue
		}
		payload := append([]byte(nil), rec.RawSample...)
		reqID, ok := event.BinaryRequestID(payload)
		if !ok {
			// nothing to key a verdict on; the probe times the operation out as denied
			s.logger.Warn("short probe record", zap.Int("size", len(payload)))
			continue
		}
		n := NewNotification(
			event.RawNotification{Format: event.FormatBinary, Payload: payload, ReceivedAt: time.Now()},
			func(o gate.Outcome) error { return s.writeVerdict(reqID, o.Proceed) },
		)
		select {
		case out <- n:
		case <-ctx.Done():
			_ = n.Deny("shutting down")
			return nil
		}
	}
}

func (s *RingbufSource) writeVerdict(reqID uint64, allow bool) error {
	v := verdictDeny
	if allow {
		v = verdictAllow
	}
	if err := s.verdicts.Update(reqID, v, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("write verdict %d: %w", reqID, err)
	}
	return nil
}

// Close releases the verdict map. Run releases the ring buffer.
func (s *RingbufSource) Close() error {
	return s.verdicts.Close()
}
