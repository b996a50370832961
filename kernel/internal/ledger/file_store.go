package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	segmentFile = "ledger.jsonl"
	headFile    = "head.json"
)

// FileStore is a file-backed store for single-node deployments and tests.
// Entries are appended as JSON lines to ledger.jsonl and head.json tracks the
// latest committed position.
type FileStore struct {
	dir string

	mu   sync.RWMutex
	head *Entry
}

// ErrSegmentTruncated is returned by NewFileStore when ledger.jsonl ends
// before the committed head recorded in head.json.
var ErrSegmentTruncated = errors.New("ledger segment truncated")

// NewFileStore opens (or creates) a ledger directory. Lines past the committed
// head (left by a write whose head update never completed) are cut off; a
// segment that ends before the head is rejected.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f := &FileStore{dir: dir}
	entries, ends, err := f.readSegment()
	if err != nil {
		return nil, err
	}
	committed, err := f.readHead()
	if err != nil {
		return nil, err
	}
	if committed == nil {
		if n := len(entries); n > 0 {
			f.head = entries[n-1]
		}
		return f, nil
	}

	n := 0
	for n < len(entries) && entries[n].Sequence <= committed.Sequence {
		n++
	}
	if n == 0 || entries[n-1].Sequence != committed.Sequence {
		last := uint64(0)
		if n > 0 {
			last = entries[n-1].Sequence
		}
		return nil, fmt.Errorf("%w: head at %d, segment ends at %d", ErrSegmentTruncated, committed.Sequence, last)
	}
	if entries[n-1].EntryHash != committed.Hash {
		return nil, fmt.Errorf("%w: entry %d does not match head.json", ErrSegmentTruncated, committed.Sequence)
	}
	if n < len(entries) {
		if err := os.Truncate(filepath.Join(dir, segmentFile), ends[n-1]); err != nil {
			return nil, fmt.Errorf("trim uncommitted entries: %w", err)
		}
	}
	f.head = entries[n-1]
	return f, nil
}

func (f *FileStore) Ping(ctx context.Context) error {
	_, err := os.Stat(f.dir)
	return err
}

// Append writes e as one line, fsyncs, then commits it by updating head.json.
func (f *FileStore) Append(ctx context.Context, e *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var want uint64 = 1
	if f.head != nil {
		want = f.head.Sequence + 1
	}
	if e.Sequence != want {
		return ErrSequenceConflict
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	line = append(line, '\n')

	if err := ctx.Err(); err != nil {
		return err
	}
	fh, err := os.OpenFile(filepath.Join(f.dir, segmentFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	fi, err := fh.Stat()
	if err != nil {
		fh.Close()
		return fmt.Errorf("stat segment: %w", err)
	}
	size := fi.Size()
	// any failure below rolls the segment back so no uncommitted line survives
	rollback := func(cause error) error {
		if terr := fh.Truncate(size); terr != nil {
			cause = fmt.Errorf("%w (rollback failed: %v)", cause, terr)
		}
		fh.Close()
		return cause
	}
	if _, err := fh.Write(line); err != nil {
		return rollback(fmt.Errorf("write entry: %w", err))
	}
	if err := fh.Sync(); err != nil {
		return rollback(fmt.Errorf("sync segment: %w", err))
	}
	if err := f.writeHead(Head{Sequence: e.Sequence, Hash: e.EntryHash}); err != nil {
		return rollback(err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	f.head = e.clone()
	return nil
}

func (f *FileStore) writeHead(h Head) error {
	b, _ := json.Marshal(h)
	tmp := filepath.Join(f.dir, headFile+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write head: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(f.dir, headFile)); err != nil {
		return fmt.Errorf("rename head: %w", err)
	}
	return nil
}

func (f *FileStore) Head(ctx context.Context) (*Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.head == nil {
		return nil, nil
	}
	return f.head.clone(), nil
}

func (f *FileStore) Range(ctx context.Context, from, to uint64) ([]*Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	all, err := f.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0)
	for _, e := range all {
		if e.Sequence < from || (to != 0 && e.Sequence > to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *FileStore) Get(ctx context.Context, seq uint64) (*Entry, error) {
	entries, err := f.Range(ctx, seq, seq)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries[0], nil
}

func (f *FileStore) readHead() (*Head, error) {
	b, err := os.ReadFile(filepath.Join(f.dir, headFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read head: %w", err)
	}
	var h Head
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("decode head: %w", err)
	}
	return &h, nil
}

// readAll scans the segment. Lines are returned in file order, which is
// sequence order for an untampered ledger.
func (f *FileStore) readAll() ([]*Entry, error) {
	entries, _, err := f.readSegment()
	return entries, err
}

// readSegment also returns the byte offset just past each entry's line.
func (f *FileStore) readSegment() ([]*Entry, []int64, error) {
	fh, err := os.Open(filepath.Join(f.dir, segmentFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open segment: %w", err)
	}
	defer fh.Close()

	var (
		out  []*Entry
		ends []int64
		off  int64
	)
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		off += int64(len(sc.Bytes())) + 1
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, nil, fmt.Errorf("segment line %d: %w", line, err)
		}
		out = append(out, &e)
		ends = append(ends, off)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan segment: %w", err)
	}
	return out, ends, nil
}
