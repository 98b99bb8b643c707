package jsonldb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow calls fn for every record appended to the log on disk after Follow
// starts, by this process or another one, until ctx is canceled or fn returns
// an error.
//
// Records are seen once they are flushed. A line whose newline has not been
// written yet is held back until it is complete.
func (l *Log) Follow(ctx context.Context, fn func(partition string, record json.RawMessage) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(l.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}

	// Start at the current end of every existing partition.
	tails := make(map[string]*tail)
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", l.dir, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || validateName(e.Name()) != nil {
			continue
		}
		t, err := newTail(filepath.Join(l.dir, e.Name()))
		if err != nil {
			continue
		}
		tails[e.Name()] = t
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			partition := filepath.Base(event.Name)
			if validateName(partition) != nil {
				continue
			}
			t := tails[partition]
			if t == nil {
				t = &tail{}
				tails[partition] = t
			}
			if err := t.read(filepath.Join(l.dir, partition), func(line []byte) error {
				if !json.Valid(line) {
					return fmt.Errorf("%w: partition %s: %q", ErrReadParse, partition, line)
				}
				return fn(partition, bytes.Clone(line))
			}); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", l.dir, err)
		}
	}
}

// tail tracks how far a partition file has been consumed.
type tail struct {
	offset int64
	dec    lineDecoder
	// skip drops bytes up to the next newline. The offset started inside a
	// line written before the tail was created.
	skip bool
}

// newTail returns a tail positioned at the current end of path.
func newTail(path string) (*tail, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is built from a validated partition name
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	t := &tail{offset: fi.Size()}
	if t.offset > 0 {
		var last [1]byte
		if _, err := f.ReadAt(last[:], t.offset-1); err != nil {
			return nil, err
		}
		t.skip = last[0] != '\n'
	}
	return t, nil
}

// read consumes everything appended to path since the last call.
func (t *tail) read(path string, emit func([]byte) error) error {
	f, err := os.Open(path) //nolint:gosec // G304: path is built from a validated partition name
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < t.offset {
		// Replaced or truncated; start over.
		t.offset = 0
		t.dec = lineDecoder{}
		t.skip = false
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	var emitErr error
	buf := make([]byte, readChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			chunk := buf[:n]
			if t.skip {
				if i := bytes.IndexByte(chunk, '\n'); i < 0 {
					chunk = nil
				} else {
					chunk = chunk[i+1:]
					t.skip = false
				}
			}
			t.dec.feed(chunk, func(line []byte) bool {
				emitErr = emit(line)
				return emitErr == nil
			})
			if emitErr != nil {
				return emitErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
