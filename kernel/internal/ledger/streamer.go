package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/canonical"
)

// StreamStore is the claim/ack surface the streamer drives. PGStore implements it.
type StreamStore interface {
	FetchPendingForStreaming(ctx context.Context, limit int) ([]*Entry, error)
	MarkStreamResult(ctx context.Context, seq uint64, objectKey sql.NullString, ok bool, errMsg sql.NullString) error
}

// StreamerConfig configures the DB-first streamer.
type StreamerConfig struct {
	// BatchSize is how many entries to claim per poll.
	BatchSize int

	// PollInterval is the sleep when there is no work.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent produce/archive of a claimed batch.
	MaxConcurrency int

	// EntryTimeout bounds produce+archive of one entry.
	EntryTimeout time.Duration

	// MarkTimeout bounds recording the outcome. The write survives
	// cancellation of the run context.
	MarkTimeout time.Duration
}

// Streamer ships committed ledger entries to Kafka and S3 after the fact.
// It never runs on the enforcement path: the row in ledger_entries is the
// source of truth and the streamer only records whether the copy succeeded.
type Streamer struct {
	store    StreamStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	cb       *gobreaker.CircuitBreaker
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewStreamer fills zero config fields with defaults. producer and archiver
// may each be nil to skip that sink.
func NewStreamer(store StreamStore, producer Producer, archiver Archiver, cfg StreamerConfig, logger *zap.Logger) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = 30 * time.Second
	}
	if cfg.MarkTimeout <= 0 {
		cfg.MarkTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger-streamer",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Streamer{
		store:    store,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
		cb:       cb,
		logger:   logger.Named("streamer"),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight work and closes the producer.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info("starting", zap.Int("batch", s.cfg.BatchSize), zap.Int("concurrency", s.cfg.MaxConcurrency))
	defer s.logger.Info("stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	for {
		if ctx.Err() != nil {
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		}

		entries, err := s.store.FetchPendingForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			s.logger.Warn("fetch pending", zap.Error(err))
			sleep(ctx, s.cfg.PollInterval)
			continue
		}
		if len(entries) == 0 {
			sleep(ctx, s.cfg.PollInterval)
			continue
		}

		for _, e := range entries {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(e *Entry) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEntry(ctx, e); err != nil {
					s.logger.Warn("stream entry", zap.Uint64("sequence", e.Sequence), zap.Error(err))
				}
			}(e)
		}
		// drain the batch before claiming more
		s.wg.Wait()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// processEntry produces then archives one entry through the circuit breaker
// and records the outcome.
func (s *Streamer) processEntry(parent context.Context, e *Entry) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.EntryTimeout)
	defer cancel()

	mark := func(key sql.NullString, ok bool, msg sql.NullString) error {
		mctx, mcancel := context.WithTimeout(context.WithoutCancel(parent), s.cfg.MarkTimeout)
		defer mcancel()
		return s.store.MarkStreamResult(mctx, e.Sequence, key, ok, msg)
	}

	fail := func(stage string, err error) error {
		msg := sql.NullString{String: fmt.Sprintf("%s: %v", stage, err), Valid: true}
		if merr := mark(sql.NullString{}, false, msg); merr != nil {
			s.logger.Warn("mark stream failure", zap.Uint64("sequence", e.Sequence), zap.Error(merr))
		}
		return fmt.Errorf("%s: %w", stage, err)
	}

	body, err := canonical.MarshalCanonical(e)
	if err != nil {
		return fail("canonicalize entry", err)
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		if s.producer != nil {
			if _, err := s.producer.Produce(ctx, []byte(strconv.FormatUint(e.Sequence, 10)), body); err != nil {
				return nil, fmt.Errorf("kafka produce: %w", err)
			}
		}
		if s.archiver != nil {
			key, err := s.archiver.Archive(ctx, e)
			if err != nil {
				return nil, fmt.Errorf("s3 archive: %w", err)
			}
			return key, nil
		}
		return "", nil
	})
	if err != nil {
		return fail("stream", err)
	}

	var key sql.NullString
	if k, _ := res.(string); k != "" {
		key = sql.NullString{String: k, Valid: true}
	}
	if err := mark(key, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}
	s.logger.Debug("entry streamed", zap.Uint64("sequence", e.Sequence), zap.String("object_key", key.String))
	return nil
}
