package telemetry

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/metrics"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ClickHouseWriter batch-inserts decision records from a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	table   string
	buffer  chan *DecisionRecord
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewClickHouseWriter connects, pings and starts the flush loop.
func NewClickHouseWriter(dsn, table string, logger *zap.Logger, m *metrics.Metrics) (*ClickHouseWriter, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	w := &ClickHouseWriter{
		conn:    conn,
		table:   table,
		buffer:  make(chan *DecisionRecord, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger.Named("telemetry"),
		metrics: m,
	}
	go w.flushLoop()
	return w, nil
}

// Write queues r, dropping it when the buffer is full.
func (w *ClickHouseWriter) Write(r *DecisionRecord) {
	select {
	case w.buffer <- r:
	default:
		w.metrics.TelemetryDrop()
		w.logger.Warn("clickhouse buffer full, dropping record", zap.String("event_id", r.EventID))
	}
}

// Close drains the buffer and closes the connection.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	_ = w.conn.Close()
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*DecisionRecord, 0, flushBatch)
	for {
		select {
		case r := <-w.buffer:
			batch = append(batch, r)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			deadline := time.After(drainTimeout)
		drain:
			for {
				select {
				case r := <-w.buffer:
					batch = append(batch, r)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(records []*DecisionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO `+w.table+` (
			event_id, sequence, timestamp, pid, ppid, comm, uid,
			kind, syscall, target, verdict, reason, rule_id, guard,
			alert, latency_us
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, r := range records {
		var alert uint8
		if r.Alert {
			alert = 1
		}
		if err := batch.Append(
			r.EventID,
			r.Sequence,
			r.Timestamp,
			int64(r.PID),
			int64(r.PPID),
			r.Comm,
			r.UID,
			r.Kind,
			r.Syscall,
			r.Target,
			r.Verdict,
			r.Reason,
			r.RuleID,
			r.Guard,
			alert,
			r.LatencyUs,
		); err != nil {
			w.logger.Error("clickhouse append record failed", zap.String("event_id", r.EventID), zap.Error(err))
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed", zap.Int("batch_size", len(records)), zap.Error(err))
	}
}
