package jsonldb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Log is an append-only table of JSON records split into partitions.
//
// Each partition is a JSONL file, <table>/<partition>, holding one record per
// line in append order. Appends are queued in memory and flushed to the end of
// the file after the commit delay.
type Log struct {
	dir   string
	fsync bool
	sched *Scheduler

	// flushMu is held for writing while a partition file is being appended
	// to, and for reading while Find snapshots a partition.
	flushMu sync.RWMutex

	mu     sync.Mutex
	queues map[string][]json.RawMessage
}

func newLog(dir string, opts *Options, sched *Scheduler) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("%w %s: %w", ErrDirectoryCreate, dir, err)
	}
	return &Log{
		dir:    dir,
		fsync:  opts.Sync,
		sched:  sched,
		queues: make(map[string][]json.RawMessage),
	}, nil
}

// Append queues record at the end of partition and schedules a flush. It
// returns before the record is durable.
func (l *Log) Append(partition string, record any) error {
	if err := validateName(partition); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.sched.Arm(partition, func() error { return l.commit(partition) }); err != nil {
		return err
	}
	l.queues[partition] = append(l.queues[partition], data)
	return nil
}

// Find returns an iterator over the records of partition in append order,
// including the ones not flushed yet. A missing partition is empty.
//
// Iteration stops at the first error.
func (l *Log) Find(partition string) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		if err := validateName(partition); err != nil {
			yield(nil, err)
			return
		}
		size, queued, err := l.snapshot(partition)
		if err != nil {
			yield(nil, err)
			return
		}
		if !l.readPartition(partition, size, yield) {
			return
		}
		for _, rec := range queued {
			if !yield(bytes.Clone(rec), nil) {
				return
			}
		}
	}
}

// FindAll returns an iterator over the records of every partition. Records of
// a partition are in append order; partitions are visited in lexical order.
func (l *Log) FindAll() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		partitions, err := l.Partitions()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, p := range partitions {
			for rec, err := range l.Find(p) {
				if !yield(rec, err) || err != nil {
					return
				}
			}
		}
	}
}

// Partitions returns the names of all partitions, on disk or queued, sorted.
func (l *Log) Partitions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", l.dir, err)
	}
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || validateName(e.Name()) != nil {
			continue
		}
		set[e.Name()] = struct{}{}
	}
	l.mu.Lock()
	for p := range l.queues {
		set[p] = struct{}{}
	}
	l.mu.Unlock()

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

// Flush appends every queued record now.
func (l *Log) Flush(ctx context.Context) error {
	return l.sched.Flush(ctx)
}

func (l *Log) close(ctx context.Context) error {
	return l.sched.Close(ctx)
}

// snapshot returns the current size of the partition file and a copy of its
// queue. No flush can interleave, so each record is in exactly one of the two.
func (l *Log) snapshot(partition string) (int64, []json.RawMessage, error) {
	l.flushMu.RLock()
	defer l.flushMu.RUnlock()
	var size int64
	fi, err := os.Stat(filepath.Join(l.dir, partition))
	switch {
	case err == nil:
		size = fi.Size()
	case !errors.Is(err, fs.ErrNotExist):
		return 0, nil, fmt.Errorf("failed to stat partition %s: %w", partition, err)
	}
	l.mu.Lock()
	queued := slices.Clone(l.queues[partition])
	l.mu.Unlock()
	return size, queued, nil
}

// readPartition yields the first size bytes of the partition file, decoded
// line by line. It returns false if iteration must stop.
func (l *Log) readPartition(partition string, size int64, yield func(json.RawMessage, error) bool) bool {
	if size == 0 {
		return true
	}
	path := filepath.Join(l.dir, partition)
	f, err := os.Open(path) //nolint:gosec // G304: path is built from a validated partition name
	if err != nil {
		yield(nil, fmt.Errorf("failed to open partition %s: %w", partition, err))
		return false
	}
	defer func() {
		_ = f.Close()
	}()
	cont := true
	err = eachLine(io.LimitReader(f, size), func(line []byte) bool {
		if !json.Valid(line) {
			yield(nil, fmt.Errorf("%w: partition %s: %q", ErrReadParse, partition, line))
			cont = false
			return false
		}
		cont = yield(bytes.Clone(line), nil)
		return cont
	})
	if err != nil {
		yield(nil, fmt.Errorf("failed to read partition %s: %w", partition, err))
		return false
	}
	return cont
}

// commit appends the records queued for partition when it starts. Records
// queued while the write is in progress stay for the next flush.
func (l *Log) commit(partition string) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	queued := l.queues[partition]
	l.mu.Unlock()
	n := len(queued)
	if n == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, rec := range queued {
		buf.Write(rec)
		buf.WriteByte('\n')
	}
	if err := appendFile(filepath.Join(l.dir, partition), buf.Bytes(), l.fsync); err != nil {
		return err
	}

	l.mu.Lock()
	if rest := l.queues[partition][n:]; len(rest) == 0 {
		delete(l.queues, partition)
	} else {
		l.queues[partition] = rest
	}
	l.mu.Unlock()
	return nil
}

// appendFile appends data to path. If the file ends with an unterminated
// line, a newline is written first so data starts on its own line. On a
// failed write the file is truncated back to its previous size so a retry
// does not duplicate half a batch.
func appendFile(path string, data []byte, fsync bool) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec // G304: path is built from a validated partition name
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFlushWrite, path, err)
	}
	fi, err := f.Stat()
	if err == nil && fi.Size() > 0 {
		var last [1]byte
		if _, err = f.ReadAt(last[:], fi.Size()-1); err == nil && last[0] != '\n' {
			data = append([]byte{'\n'}, data...)
		}
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %s: %w", ErrFlushWrite, path, err)
	}
	if _, err = f.Write(data); err != nil {
		err = errors.Join(err, f.Truncate(fi.Size()))
	} else if fsync {
		err = f.Sync()
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFlushWrite, path, err)
	}
	return nil
}
