// Package clock provides an in-process timer service for delayed
// commands (review expiry, review reminders).
//
// Timers are keyed: scheduling a key that already has an outstanding
// timer atomically replaces it, so at most one timer exists per key.
// Delivery is at-least-once; consumers are expected to make their
// callbacks idempotent. Missed fires (crash, restart) are recovered by
// the caller's reconciliation sweep, not by the clock.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/escrowhq/escrowd/internal/idgen"
)

// Handler receives timer callbacks.
type Handler func(ctx context.Context, key string, payload map[string]string)

type entry struct {
	id      string
	key     string
	fireAt  time.Time
	payload map[string]string
}

// Clock schedules one-shot timers and delivers fire callbacks.
type Clock struct {
	handler  Handler
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry // by key

	stop    chan struct{}
	running atomic.Bool
}

// DefaultTickInterval is how often pending timers are checked.
const DefaultTickInterval = time.Second

// New creates a clock delivering fires to the given handler.
func New(handler Handler, logger *slog.Logger) *Clock {
	return &Clock{
		handler:  handler,
		interval: DefaultTickInterval,
		logger:   logger,
		entries:  make(map[string]*entry),
		stop:     make(chan struct{}),
	}
}

// WithTickInterval overrides the polling interval. Tests use short
// intervals.
func (c *Clock) WithTickInterval(d time.Duration) *Clock {
	c.interval = d
	return c
}

// ScheduleOnce registers a one-shot timer for the key, replacing any
// outstanding timer for the same key. Returns the timer ID.
func (c *Clock) ScheduleOnce(key string, fireAt time.Time, payload map[string]string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("timer key is required")
	}

	e := &entry{
		id:      idgen.WithPrefix("tmr_"),
		key:     key,
		fireAt:  fireAt,
		payload: payload,
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()

	return e.id, nil
}

// Cancel removes the timer with the given ID. Cancelling an unknown or
// already-fired timer is a no-op.
func (c *Clock) Cancel(timerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if e.id == timerID {
			delete(c.entries, key)
			return nil
		}
	}
	return nil
}

// CancelKey removes the outstanding timer for a key, if any.
func (c *Clock) CancelKey(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// Pending returns the number of outstanding timers.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Running reports whether the dispatch loop is active.
func (c *Clock) Running() bool {
	return c.running.Load()
}

// Start begins the dispatch loop. Call in a goroutine.
func (c *Clock) Start(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.dispatchDue(ctx, time.Now())
		}
	}
}

// Stop signals the dispatch loop to stop.
func (c *Clock) Stop() {
	select {
	case c.stop <- struct{}{}:
	default:
	}
}

func (c *Clock) dispatchDue(ctx context.Context, now time.Time) {
	c.mu.Lock()
	var due []*entry
	for key, e := range c.entries {
		if !e.fireAt.After(now) {
			due = append(due, e)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	for _, e := range due {
		c.safeFire(ctx, e)
	}
}

func (c *Clock) safeFire(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in timer handler", "key", e.key, "panic", fmt.Sprint(r))
		}
	}()
	c.handler(ctx, e.key, e.payload)
}
