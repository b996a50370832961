package ledger

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/digest"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/signer"
)

// DefaultAppendTimeout bounds a single durable write.
const DefaultAppendTimeout = 2 * time.Second

// Ledger assigns sequence numbers and chains entries. Append is the only
// serialization point of the enforcement path; reads go straight to the store.
type Ledger struct {
	store   Store
	hasher  digest.Hasher
	signer  signer.Signer
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu   sync.Mutex
	seq  uint64
	prev string
	// pending holds the result channel of a write abandoned after a timeout.
	pending <-chan error
	// stale forces a head reload from the store before the next append.
	stale bool

	head atomic.Pointer[Head]
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithHasher sets the chaining digest.
func WithHasher(h digest.Hasher) Option {
	return func(l *Ledger) { l.hasher = h }
}

// WithSigner signs each entry hash.
func WithSigner(s signer.Signer) Option {
	return func(l *Ledger) { l.signer = s }
}

// WithAppendTimeout bounds each Append.
func WithAppendTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides the RecordedAt clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Open loads the current head from store.
func Open(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:   store,
		hasher:  digest.MustLookup(digest.Default),
		timeout: DefaultAppendTimeout,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}
	if err := l.reload(ctx); err != nil {
		return nil, fmt.Errorf("%w: load head: %v", ErrStorageUnavailable, err)
	}
	return l, nil
}

func (l *Ledger) reload(ctx context.Context) error {
	last, err := l.store.Head(ctx)
	if err != nil {
		return err
	}
	if last == nil {
		l.seq = 0
		l.prev = GenesisHash(l.hasher.Size())
	} else {
		l.seq = last.Sequence
		l.prev = last.EntryHash
	}
	l.head.Store(&Head{Sequence: l.seq, Hash: l.prev})
	return nil
}

// Head returns the last committed position without waiting on an in-flight append.
func (l *Ledger) Head() Head {
	return *l.head.Load()
}

// Digest names the chaining digest.
func (l *Ledger) Digest() string {
	return l.hasher.Name()
}

// Append records ev and d as the next entry. On any storage failure or when
// the append timeout elapses it returns an error wrapping ErrStorageUnavailable
// and the head is left unchanged.
func (l *Ledger) Append(ctx context.Context, ev event.SecurityEvent, d policy.Decision) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.settle(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	seq := l.seq + 1
	hash, err := ComputeHash(l.hasher, l.prev, seq, ev, d)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Sequence:   seq,
		Event:      ev,
		Decision:   d,
		PrevHash:   l.prev,
		EntryHash:  hash,
		Digest:     l.hasher.Name(),
		RecordedAt: l.now().UTC(),
	}
	if l.signer != nil {
		raw, _ := hex.DecodeString(hash)
		sig, signerID, err := l.signer.Sign(raw)
		if err != nil {
			return nil, fmt.Errorf("sign entry %d: %w", seq, err)
		}
		e.Signature = base64.StdEncoding.EncodeToString(sig)
		e.SignerID = signerID
	}

	done := make(chan error, 1)
	go func() { done <- l.store.Append(ctx, e) }()

	var werr error
	select {
	case werr = <-done:
	case <-ctx.Done():
		select {
		case werr = <-done:
		default:
			// the write may still land; the next append waits for it and reloads the head
			l.pending = done
			l.stale = true
			l.logger.Warn("ledger append timed out",
				zap.Uint64("sequence", seq),
				zap.String("event_id", ev.ID),
				zap.Duration("timeout", l.timeout),
			)
			return nil, fmt.Errorf("%w: append %d: %v", ErrStorageUnavailable, seq, ctx.Err())
		}
	}
	if werr != nil {
		l.stale = true
		return nil, fmt.Errorf("%w: append %d: %v", ErrStorageUnavailable, seq, werr)
	}

	l.seq = seq
	l.prev = hash
	l.head.Store(&Head{Sequence: seq, Hash: hash})
	return e, nil
}

// settle resolves uncertainty left by a failed or abandoned write.
func (l *Ledger) settle(ctx context.Context) error {
	if l.pending != nil {
		select {
		case <-l.pending:
			l.pending = nil
		case <-ctx.Done():
			return fmt.Errorf("previous append still in flight: %w", ctx.Err())
		}
	}
	if !l.stale {
		return nil
	}
	before := l.seq
	if err := l.reload(ctx); err != nil {
		return err
	}
	l.stale = false
	if l.seq != before {
		l.logger.Warn("ledger head moved after failed append",
			zap.Uint64("expected", before),
			zap.Uint64("actual", l.seq),
		)
	}
	return nil
}

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, seq uint64) (*Entry, error) {
	return l.store.Get(ctx, seq)
}

// Range returns entries in [from, to]; to == 0 means up to the head.
func (l *Ledger) Range(ctx context.Context, from, to uint64) ([]*Entry, error) {
	return l.store.Range(ctx, from, to)
}

// Ping checks the backing store.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}
