package quarantine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrPublishQueueFull is returned when fleet propagation is backed up. The
// node-local quarantine is unaffected.
var ErrPublishQueueFull = errors.New("quarantine publish queue full")

type publishReq struct {
	hash string
	on   bool
}

// AsyncPublisher queues publishes for a background worker, so quarantining on
// the enforcement path never waits on the network. Each publish gets its own
// bounded context.
type AsyncPublisher struct {
	next    Publisher
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan publishReq
	done   chan struct{}
}

// NewAsyncPublisher starts the worker. size <= 0 defaults to 256 and
// timeout <= 0 to 5s.
func NewAsyncPublisher(next Publisher, size int, timeout time.Duration, logger *zap.Logger) *AsyncPublisher {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &AsyncPublisher{
		next:    next,
		timeout: timeout,
		logger:  logger.Named("quarantine"),
		queue:   make(chan publishReq, size),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// PublishBinary implements Publisher without blocking.
func (p *AsyncPublisher) PublishBinary(_ context.Context, hash string, on bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublishQueueFull
	}
	select {
	case p.queue <- publishReq{hash: hash, on: on}:
		return nil
	default:
		p.logger.Warn("quarantine publish dropped", zap.String("binary_hash", hash), zap.Bool("on", on))
		return ErrPublishQueueFull
	}
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for req := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.next.PublishBinary(ctx, req.hash, req.on); err != nil {
			p.logger.Error("quarantine publish failed",
				zap.String("binary_hash", req.hash),
				zap.Bool("on", req.on),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting publishes and waits for queued ones to finish.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}
