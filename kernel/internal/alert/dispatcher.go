package alert

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/metrics"
)

const (
	defaultQueueSize = 1024
	sendTimeout      = 5 * time.Second
	drainTimeout     = 2 * time.Second
)

// Dispatcher fans alerts out to sinks from a single background goroutine.
// High and critical alerts skip the rate limiter, and the tail of the queue is
// held back for them so a flood of low severity alerts cannot crowd them out.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Alert
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics

	dropped atomic.Uint64
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRateLimit allows limit alerts per second with the given burst.
func WithRateLimit(limit float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if limit > 0 && burst > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(limit), burst)
		}
	}
}

// WithQueueSize sets the buffer between Emit and delivery.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Alert, n)
		}
	}
}

func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher starts delivery to sinks.
func NewDispatcher(sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Alert, defaultQueueSize),
		limiter: rate.NewLimiter(rate.Limit(100), 20),
		logger:  zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	go d.run()
	return d
}

// Emit queues a without blocking. It reports false when the alert was dropped.
func (d *Dispatcher) Emit(a Alert) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	urgent := a.Severity.Rank() >= event.SeverityHigh.Rank()
	if !urgent {
		if !d.limiter.Allow() {
			d.drop(a, "rate limited")
			return false
		}
		if len(d.queue) >= cap(d.queue)-reserved(cap(d.queue)) {
			d.drop(a, "queue reserved")
			return false
		}
	}
	select {
	case d.queue <- a:
		return true
	default:
		d.drop(a, "queue full")
		return false
	}
}

// reserved is the queue headroom only urgent alerts may use.
func reserved(size int) int {
	if r := size / 8; r > 0 {
		return r
	}
	return 1
}

func (d *Dispatcher) drop(a Alert, why string) {
	d.dropped.Add(1)
	d.metrics.AlertDropped()
	fields := []zap.Field{zap.String("reason", why), zap.String("type", string(a.Type)), zap.String("severity", string(a.Severity))}
	if a.Severity.Rank() >= event.SeverityHigh.Rank() {
		d.logger.Warn("alert dropped", fields...)
		return
	}
	d.logger.Debug("alert dropped", fields...)
}

// Dropped returns how many alerts were discarded.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for a := range d.queue {
		d.deliver(a)
	}
}

func (d *Dispatcher) deliver(a Alert) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.Send(ctx, a)
		cancel()
		if err != nil {
			d.logger.Warn("alert delivery failed", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
	d.metrics.AlertEmitted(string(a.Type))
}

// Close stops accepting alerts, drains the queue for up to two seconds and
// closes every sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
	case <-time.After(drainTimeout):
		d.logger.Warn("alert drain timed out", zap.Int("pending", len(d.queue)))
	}
	var first error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
