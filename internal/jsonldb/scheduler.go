package jsonldb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SchedulerOptions tunes a Scheduler. The zero value is usable.
type SchedulerOptions struct {
	// MaxRetryDelay caps the exponential backoff after failed actions.
	// Defaults to one minute.
	MaxRetryDelay time.Duration
	// Logger receives throttled warnings about failed actions. Defaults to
	// slog.Default().
	Logger *slog.Logger
	// OnError, if set, is called after every failed action.
	OnError func(id string, err error)
}

// Scheduler coalesces bursts of mutations into a single delayed action per id.
//
// Arm starts a one-shot timer for an id unless one is already pending, in
// which case the pending timer picks up everything buffered in the meantime.
// At most one action per id runs at a time. A failed action stays scheduled
// and is retried with exponential backoff until it succeeds or the scheduler
// is closed.
type Scheduler struct {
	delay    time.Duration
	maxDelay time.Duration
	logger   *slog.Logger
	onError  func(id string, err error)
	warn     rate.Sometimes

	mu      sync.Mutex
	entries map[string]*commit
	closed  bool
}

// commit is the scheduling state of one id.
type commit struct {
	action   func() error
	timer    *time.Timer
	seq      uint64 // invalidates timers that fired after being superseded
	running  bool
	again    bool          // armed while running
	done     chan struct{} // closed when the current run returns
	failures int
}

// NewScheduler returns a Scheduler that runs actions delay after they are
// first armed.
func NewScheduler(delay time.Duration, opts *SchedulerOptions) *Scheduler {
	s := &Scheduler{
		delay:    delay,
		maxDelay: time.Minute,
		logger:   slog.Default(),
		warn:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		entries:  make(map[string]*commit),
	}
	if opts != nil {
		if opts.MaxRetryDelay > 0 {
			s.maxDelay = opts.MaxRetryDelay
		}
		if opts.Logger != nil {
			s.logger = opts.Logger
		}
		s.onError = opts.OnError
	}
	return s
}

// Arm schedules action for id unless id is already scheduled.
//
// If the action for id is currently running, a single follow-up run is
// scheduled once it returns, so state buffered during the run is not lost.
func (s *Scheduler) Arm(id string, action func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c, ok := s.entries[id]
	if !ok {
		c = &commit{action: action}
		s.entries[id] = c
		s.startTimer(id, c, s.delay)
		return nil
	}
	if c.running {
		c.again = true
	}
	return nil
}

// Pending returns the number of ids with a scheduled or running action.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Flush runs every scheduled action now, waiting for running ones, and
// returns the errors of the actions it ran.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.flushOne(ctx, id); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Close flushes everything and stops all timers. Arm fails with ErrClosed
// afterward. Actions that still fail are abandoned and their errors returned.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.Flush(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.entries {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.seq++
		if !c.running {
			delete(s.entries, id)
		}
	}
	return err
}

func (s *Scheduler) flushOne(ctx context.Context, id string) error {
	var err error
	ran := false
	for {
		s.mu.Lock()
		c, ok := s.entries[id]
		if !ok {
			s.mu.Unlock()
			return err
		}
		if c.running {
			done := c.done
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if ran {
			// Either it failed and is waiting for a retry, or it was armed
			// again by a newer mutation. Both are left to the timer.
			s.mu.Unlock()
			return err
		}
		s.begin(c)
		s.mu.Unlock()
		err = s.execute(id, c)
		ran = true
	}
}

// startTimer must be called with mu held.
func (s *Scheduler) startTimer(id string, c *commit, d time.Duration) {
	c.seq++
	seq := c.seq
	c.timer = time.AfterFunc(d, func() { s.fire(id, c, seq) })
}

func (s *Scheduler) fire(id string, c *commit, seq uint64) {
	s.mu.Lock()
	if s.entries[id] != c || c.seq != seq || c.running {
		s.mu.Unlock()
		return
	}
	s.begin(c)
	s.mu.Unlock()
	_ = s.execute(id, c)
}

// begin must be called with mu held.
func (s *Scheduler) begin(c *commit) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.seq++
	c.running = true
	c.again = false
	c.done = make(chan struct{})
}

func (s *Scheduler) execute(id string, c *commit) error {
	err := c.action()

	s.mu.Lock()
	c.running = false
	close(c.done)
	failures := 0
	switch {
	case err != nil:
		c.failures++
		failures = c.failures
		if !s.closed {
			s.startTimer(id, c, s.backoff(c.failures))
		}
	case c.again && !s.closed:
		c.failures = 0
		s.startTimer(id, c, s.delay)
	case c.again:
		// Closing; the flush in progress will pick it up.
		c.failures = 0
	default:
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("flush %q: %w", id, err)
		if s.onError != nil {
			s.onError(id, err)
		}
		s.warn.Do(func() {
			s.logger.Warn("Flush failed, pending state retained", "id", id, "failures", failures, "err", err)
		})
	}
	return err
}

// backoff returns the retry delay after n consecutive failures.
func (s *Scheduler) backoff(n int) time.Duration {
	d := s.delay
	if d <= 0 {
		d = time.Millisecond
	}
	for range n {
		if d >= s.maxDelay/2 {
			return s.maxDelay
		}
		d *= 2
	}
	return d
}
