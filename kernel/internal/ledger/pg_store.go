package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
)

const (
	// MaxStreamAttempts caps how often a failed entry is retried by the streamer.
	MaxStreamAttempts = 5

	// DefaultStreamLease is how long a claimed row stays in_progress before
	// another streamer may reclaim it.
	DefaultStreamLease = 5 * time.Minute
)

// PGStore persists ledger entries into Postgres (table ledger_entries). The
// sequence column is the primary key, so a second writer racing for the same
// sequence fails instead of forking the chain.
type PGStore struct {
	db    *sql.DB
	lease time.Duration
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, lease: DefaultStreamLease}
}

// SetStreamLease changes the claim lease. It must exceed the time a streamer
// spends on one entry. Non-positive values are ignored.
func (p *PGStore) SetStreamLease(d time.Duration) {
	if d > 0 {
		p.lease = d
	}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type entryBody struct {
	Event    event.SecurityEvent `json:"event"`
	Decision policy.Decision     `json:"decision"`
}

const entryColumns = `sequence, body, prev_hash, entry_hash, digest, signature, signer_id, recorded_at`

// Append inserts e inside a transaction that first checks it extends the head.
func (p *PGStore) Append(ctx context.Context, e *Entry) error {
	body, err := json.Marshal(entryBody{Event: e.Event, Decision: e.Decision})
	if err != nil {
		return fmt.Errorf("marshal entry body: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger_entries`).Scan(&last); err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if uint64(last.Int64)+1 != e.Sequence {
		return ErrSequenceConflict
	}

	q := `
		INSERT INTO ledger_entries
		  (sequence, event_id, kind, verdict, body, prev_hash, entry_hash, digest, signature, signer_id, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err = tx.ExecContext(ctx, q,
		int64(e.Sequence),
		e.Event.ID,
		string(e.Event.Kind),
		e.Decision.Verdict.String(),
		body,
		e.PrevHash,
		e.EntryHash,
		e.Digest,
		e.Signature,
		e.SignerID,
		e.RecordedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSequenceConflict
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// isUniqueViolation recognises the error from either driver the kernel opens
// Postgres with.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		seq        int64
		body       []byte
		e          Entry
		signature  sql.NullString
		signerID   sql.NullString
		recordedAt time.Time
	)
	if err := row.Scan(&seq, &body, &e.PrevHash, &e.EntryHash, &e.Digest, &signature, &signerID, &recordedAt); err != nil {
		return nil, err
	}
	var b entryBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decode entry %d body: %w", seq, err)
	}
	e.Sequence = uint64(seq)
	e.Event = b.Event
	e.Decision = b.Decision
	e.Signature = signature.String
	e.SignerID = signerID.String
	e.RecordedAt = recordedAt.UTC()
	return &e, nil
}

// Head returns the highest sequence or nil when the table is empty.
func (p *PGStore) Head(ctx context.Context) (*Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM ledger_entries ORDER BY sequence DESC LIMIT 1`
	e, err := scanEntry(p.db.QueryRowContext(ctx, q))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query head: %w", err)
	}
	return e, nil
}

// Range returns entries ordered by sequence.
func (p *PGStore) Range(ctx context.Context, from, to uint64) ([]*Entry, error) {
	if from == 0 {
		from = 1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if to == 0 {
		q := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE sequence >= $1 ORDER BY sequence ASC`
		rows, err = p.db.QueryContext(ctx, q, int64(from))
	} else {
		q := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence ASC`
		rows, err = p.db.QueryContext(ctx, q, int64(from), int64(to))
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger_entries: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Entry, error) {
	out := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// Get fetches one entry by sequence.
func (p *PGStore) Get(ctx context.Context, seq uint64) (*Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE sequence=$1`
	e, err := scanEntry(p.db.QueryRowContext(ctx, q, int64(seq)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger entry: %w", err)
	}
	return e, nil
}

// FetchPendingForStreaming claims up to limit entries that have not been
// streamed yet (or failed fewer than MaxStreamAttempts times), marking them
// in_progress. Rows left in_progress longer than the lease by a streamer that
// died mid-batch are claimed again. Concurrent streamers never claim the same
// row.
func (p *PGStore) FetchPendingForStreaming(ctx context.Context, limit int) ([]*Entry, error) {
	q := `
		UPDATE ledger_entries
		   SET stream_status = 'in_progress', stream_attempts = stream_attempts + 1, stream_claimed_at = now()
		 WHERE sequence IN (
			SELECT sequence FROM ledger_entries
			 WHERE stream_attempts < $2
			   AND (stream_status IN ('pending', 'failed')
			        OR (stream_status = 'in_progress' AND stream_claimed_at < now() - make_interval(secs => $3)))
			 ORDER BY sequence
			 LIMIT $1
			 FOR UPDATE SKIP LOCKED)
		RETURNING ` + entryColumns
	rows, err := p.db.QueryContext(ctx, q, limit, MaxStreamAttempts, p.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim pending entries: %w", err)
	}
	defer rows.Close()
	out, err := collect(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// MarkStreamResult records the outcome of streaming one entry.
func (p *PGStore) MarkStreamResult(ctx context.Context, seq uint64, objectKey sql.NullString, ok bool, errMsg sql.NullString) error {
	var err error
	if ok {
		_, err = p.db.ExecContext(ctx, `
			UPDATE ledger_entries
			   SET stream_status = 'done', s3_object_key = $1, streamed_at = now(), last_stream_error = NULL
			 WHERE sequence = $2`, objectKey, int64(seq))
	} else {
		_, err = p.db.ExecContext(ctx, `
			UPDATE ledger_entries
			   SET stream_status = 'failed', last_stream_error = $1
			 WHERE sequence = $2`, errMsg, int64(seq))
	}
	if err != nil {
		return fmt.Errorf("mark stream result %d: %w", seq, err)
	}
	return nil
}
