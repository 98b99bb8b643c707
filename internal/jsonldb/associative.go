package jsonldb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Associative is a key to JSON value table.
//
// Each key is stored in its own file, <table>/<shard>/<key>, where the shard
// is derived from the key. Writes are staged in memory and flushed after the
// commit delay; a write replaces the whole value atomically.
type Associative struct {
	dir   string
	fsync bool
	sched *Scheduler
	dirs  dirCache

	mu      sync.Mutex
	pending map[string]staged
	gen     uint64
}

// staged is a value waiting to be flushed. gen identifies the write that
// produced it.
type staged struct {
	data json.RawMessage
	gen  uint64
}

func newAssociative(dir string, opts *Options, sched *Scheduler) (*Associative, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("%w %s: %w", ErrDirectoryCreate, dir, err)
	}
	return &Associative{
		dir:     dir,
		fsync:   opts.Sync,
		sched:   sched,
		pending: make(map[string]staged),
	}, nil
}

// Write stages value for key, replacing any value not yet flushed, and
// schedules a flush. It returns before the value is durable.
func (a *Associative) Write(key string, value any) error {
	if err := validateName(key); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.sched.Arm(key, func() error { return a.commit(key) }); err != nil {
		return err
	}
	a.gen++
	a.pending[key] = staged{data: data, gen: a.gen}
	return nil
}

// Read decodes the value of key into out. It returns false if the key has no
// value.
func (a *Associative) Read(key string, out any) (bool, error) {
	data, ok, err := a.ReadRaw(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// ReadRaw returns the encoded value of key. A staged value takes precedence
// over the file on disk.
func (a *Associative) ReadRaw(key string) (json.RawMessage, bool, error) {
	if err := validateName(key); err != nil {
		return nil, false, err
	}
	a.mu.Lock()
	s, ok := a.pending[key]
	a.mu.Unlock()
	if ok {
		return bytes.Clone(s.data), true, nil
	}

	path, err := a.recordPath(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from a validated key
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, false, fmt.Errorf("%w: %s", ErrReadParse, path)
	}
	return data, true, nil
}

// Keys returns all keys with a value, on disk or staged, sorted.
func (a *Associative) Keys() ([]string, error) {
	set := make(map[string]struct{})
	shards, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", a.dir, err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(a.dir, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list shard %s: %w", shard.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasSuffix(e.Name(), tempSuffix) {
				continue
			}
			set[e.Name()] = struct{}{}
		}
	}
	a.mu.Lock()
	for key := range a.pending {
		set[key] = struct{}{}
	}
	a.mu.Unlock()

	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Flush writes every staged value now.
func (a *Associative) Flush(ctx context.Context) error {
	return a.sched.Flush(ctx)
}

func (a *Associative) close(ctx context.Context) error {
	return a.sched.Close(ctx)
}

// recordPath returns the file of key, creating its shard directory.
func (a *Associative) recordPath(key string) (string, error) {
	dir := filepath.Join(a.dir, shardName(key))
	if err := a.dirs.ensure(dir); err != nil {
		return "", fmt.Errorf("%w for %q: %w", ErrShardResolution, key, err)
	}
	return filepath.Join(dir, key), nil
}

// commit persists the staged value of key. The staged value is dropped only
// if it was not replaced while being written.
func (a *Associative) commit(key string) error {
	a.mu.Lock()
	s, ok := a.pending[key]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	path, err := a.recordPath(key)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, s.data, a.fsync); err != nil {
		return err
	}
	a.mu.Lock()
	if cur, ok := a.pending[key]; ok && cur.gen == s.gen {
		delete(a.pending, key)
	}
	a.mu.Unlock()
	return nil
}

// writeFileAtomic writes data next to path then renames it over path, so
// readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, fsync bool) error {
	tmp := path + tempSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // G304: path is built from a validated key
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFlushWrite, tmp, err)
	}
	if _, err = f.Write(data); err == nil && fsync {
		err = f.Sync()
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return errors.Join(fmt.Errorf("%w: %s: %w", ErrFlushWrite, tmp, err), os.Remove(tmp))
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(fmt.Errorf("%w: %s: %w", ErrFlushRename, path, err), os.Remove(tmp))
	}
	return nil
}
