package jsonldb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultCommitDelay is how long mutations are buffered before being flushed.
const DefaultCommitDelay = time.Second

// Options configures a Database. The zero value is usable.
type Options struct {
	// CommitDelay is the debounce delay between the first buffered mutation of
	// a key or partition and its flush. Defaults to DefaultCommitDelay.
	CommitDelay time.Duration
	// MaxRetryDelay caps the backoff between retries of a failed flush.
	// Defaults to one minute.
	MaxRetryDelay time.Duration
	// Sync calls fsync on every flushed file.
	Sync bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// OnError, if set, is called after every failed flush. id is the key or
	// partition.
	OnError func(table, id string, err error)
	// Now is the clock of hourly logs. Defaults to time.Now.
	Now func() time.Time
}

// Database is a directory of tables. Each table is either an associative
// table or a log.
//
// Collections are created on first use and memoized; they are safe for
// concurrent use.
type Database struct {
	root string
	opts Options

	mu     sync.Mutex
	assoc  map[string]*Associative
	logs   map[string]*Log
	hourly map[string]*HourlyLog
	closed bool
}

// Open opens the database rooted at root, creating the directory if needed.
func Open(root string, opts *Options) (*Database, error) {
	if err := os.MkdirAll(root, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("%w %s: %w", ErrDirectoryCreate, root, err)
	}
	db := &Database{
		root:   root,
		assoc:  make(map[string]*Associative),
		logs:   make(map[string]*Log),
		hourly: make(map[string]*HourlyLog),
	}
	if opts != nil {
		db.opts = *opts
	}
	if db.opts.CommitDelay <= 0 {
		db.opts.CommitDelay = DefaultCommitDelay
	}
	if db.opts.Logger == nil {
		db.opts.Logger = slog.Default()
	}
	if db.opts.Now == nil {
		db.opts.Now = time.Now
	}
	return db, nil
}

// Root returns the database directory.
func (db *Database) Root() string {
	return db.root
}

// Associative returns the associative table named table.
func (db *Database) Associative(table string) (*Associative, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkTable(table); err != nil {
		return nil, err
	}
	if a, ok := db.assoc[table]; ok {
		return a, nil
	}
	if _, ok := db.logs[table]; ok {
		return nil, fmt.Errorf("%w: %q is a log", ErrTableKind, table)
	}
	a, err := newAssociative(filepath.Join(db.root, table), &db.opts, db.scheduler(table))
	if err != nil {
		return nil, err
	}
	db.assoc[table] = a
	return a, nil
}

// Log returns the log named table.
func (db *Database) Log(table string) (*Log, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.logLocked(table)
}

// HourlyLog returns an hourly view of the log named table. It shares its
// state with Log(table).
func (db *Database) HourlyLog(table string) (*HourlyLog, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if h, ok := db.hourly[table]; ok && !db.closed {
		return h, nil
	}
	l, err := db.logLocked(table)
	if err != nil {
		return nil, err
	}
	h := &HourlyLog{log: l, now: db.opts.Now}
	db.hourly[table] = h
	return h, nil
}

// Flush writes all buffered mutations of every collection now.
func (db *Database) Flush(ctx context.Context) error {
	var errs []error
	for _, f := range db.flushers() {
		errs = append(errs, f.Flush(ctx))
	}
	return errors.Join(errs...)
}

// Close flushes every collection and stops their timers. Mutations fail with
// ErrClosed afterward. The returned error lists the flushes that could not
// be completed; their data is not on disk and is not retried, but reads
// through this Database still return it.
func (db *Database) Close(ctx context.Context) error {
	db.mu.Lock()
	db.closed = true
	db.mu.Unlock()
	var errs []error
	for _, f := range db.flushers() {
		errs = append(errs, f.close(ctx))
	}
	return errors.Join(errs...)
}

type flusher interface {
	Flush(ctx context.Context) error
	close(ctx context.Context) error
}

func (db *Database) flushers() []flusher {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]flusher, 0, len(db.assoc)+len(db.logs))
	for _, a := range db.assoc {
		out = append(out, a)
	}
	for _, l := range db.logs {
		out = append(out, l)
	}
	return out
}

func (db *Database) logLocked(table string) (*Log, error) {
	if err := db.checkTable(table); err != nil {
		return nil, err
	}
	if l, ok := db.logs[table]; ok {
		return l, nil
	}
	if _, ok := db.assoc[table]; ok {
		return nil, fmt.Errorf("%w: %q is an associative table", ErrTableKind, table)
	}
	l, err := newLog(filepath.Join(db.root, table), &db.opts, db.scheduler(table))
	if err != nil {
		return nil, err
	}
	db.logs[table] = l
	return l, nil
}

func (db *Database) checkTable(table string) error {
	if db.closed {
		return ErrClosed
	}
	return validateName(table)
}

func (db *Database) scheduler(table string) *Scheduler {
	logger := db.opts.Logger.With("table", table)
	var onError func(string, error)
	if f := db.opts.OnError; f != nil {
		onError = func(id string, err error) { f(table, id, err) }
	}
	return NewScheduler(db.opts.CommitDelay, &SchedulerOptions{
		MaxRetryDelay: db.opts.MaxRetryDelay,
		Logger:        logger,
		OnError:       onError,
	})
}
