// Package intercept connects interception adapters to the gate. Each adapter
// is a Source that yields Notifications; every Notification is answered
// exactly once with the gate's outcome.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/gate"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
)

// ErrClosed is returned when injecting into a closed source. The caller
// must treat the operation as denied.
var ErrClosed = errors.New("source closed")

const closeGrace = 5 * time.Second

// Submitter runs one raw notification through enforcement.
type Submitter interface {
	Submit(ctx context.Context, raw event.RawNotification) gate.Outcome
}

// Notification is one intercepted operation waiting for its verdict.
type Notification struct {
	Raw     event.RawNotification
	respond func(gate.Outcome) error
}

// NewNotification pairs raw with the callback that releases the operation.
func NewNotification(raw event.RawNotification, respond func(gate.Outcome) error) Notification {
	return Notification{Raw: raw, respond: respond}
}

// Respond releases the operation with out. Only out.Proceed lets it continue.
func (n Notification) Respond(out gate.Outcome) error {
	if n.respond == nil {
		return nil
	}
	return n.respond(out)
}

// Deny answers without a gate outcome, for adapters that must release an
// operation they could not submit.
func (n Notification) Deny(reason string) error {
	return n.Respond(gate.Outcome{Verdict: policy.Deny, Reason: reason, State: gate.StateAbort})
}

// Source delivers notifications until ctx is done.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Notification) error
}

// Reply is the wire answer sent back to remote adapters.
type Reply struct {
	EventID  string `json:"event_id,omitempty"`
	Verdict  string `json:"verdict"`
	Proceed  bool   `json:"proceed"`
	Reason   string `json:"reason"`
	Sequence uint64 `json:"sequence,omitempty"`
	State    string `json:"state"`
}

// ReplyFrom converts an outcome for the wire.
func ReplyFrom(out gate.Outcome) Reply {
	return Reply{
		EventID:  out.EventID,
		Verdict:  out.Verdict.String(),
		Proceed:  out.Proceed,
		Reason:   out.Reason,
		Sequence: out.Sequence,
		State:    out.State.String(),
	}
}

// Serve runs every source and a pool of workers submitting their
// notifications. It returns when ctx is done and all queued notifications
// have been answered, or when a source fails.
func Serve(ctx context.Context, g Submitter, workers int, logger *zap.Logger, sources ...Source) error {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("intercept")

	eg, ctx := errgroup.WithContext(ctx)
	queue := make(chan Notification, workers)

	var producers sync.WaitGroup
	for _, s := range sources {
		producers.Add(1)
		eg.Go(func() error {
			defer producers.Done()
			logger.Info("source started", zap.String("source", s.Name()))
			if err := s.Run(ctx, queue); err != nil {
				return fmt.Errorf("%s source: %w", s.Name(), err)
			}
			logger.Info("source stopped", zap.String("source", s.Name()))
			return nil
		})
	}
	go func() {
		producers.Wait()
		close(queue)
	}()

	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			for n := range queue {
				out := g.Submit(ctx, n.Raw)
				if err := n.Respond(out); err != nil {
					logger.Warn("respond failed",
						zap.String("event_id", out.EventID),
						zap.Bool("proceed", out.Proceed),
						zap.Error(err))
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// ChanSource is an in-process source. Callers inject raw notifications and
// block until they are answered.
type ChanSource struct {
	name string
	in   chan Notification
	done chan struct{}
	once sync.Once
}

func NewChanSource(name string, buffer int) *ChanSource {
	return &ChanSource{
		name: name,
		in:   make(chan Notification, buffer),
		done: make(chan struct{}),
	}
}

func (c *ChanSource) Name() string { return c.name }

func (c *ChanSource) Run(ctx context.Context, out chan<- Notification) error {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return nil
		case <-c.done:
			return nil
		case n := <-c.in:
			out <- n
		}
	}
}

// Close stops the source; pending Inject calls return ErrClosed.
func (c *ChanSource) Close() {
	c.once.Do(func() { close(c.done) })
}

// Inject submits raw and waits for its outcome.
func (c *ChanSource) Inject(ctx context.Context, raw event.RawNotification) (gate.Outcome, error) {
	reply := make(chan gate.Outcome, 1)
	n := NewNotification(raw, func(out gate.Outcome) error {
		reply <- out
		return nil
	})
	select {
	case c.in <- n:
	case <-c.done:
		return gate.Outcome{}, ErrClosed
	case <-ctx.Done():
		return gate.Outcome{}, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-c.done:
		// Run may have forwarded it before stopping
		select {
		case out := <-reply:
			return out, nil
		case <-time.After(closeGrace):
			return gate.Outcome{}, ErrClosed
		}
	}
}
