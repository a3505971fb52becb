// Package coalescer turns bursts of "fresher data may exist" signals into
// trailing refreshes.
//
// A Coalescer arms at most one timer. The first signal of a burst arms it for
// the configured delay and later signals are absorbed. When the timer fires
// while the refresh is busy it re-arms for another delay instead of
// refreshing, so refresh never runs concurrently with itself and callers get
// at least one refresh after the last signal of a burst.
package coalescer

import (
	"sync"
	"time"

	"github.com/VarunGitGood/livedata/internal/monitoring"
	"go.uber.org/zap"
)

const DefaultDelay = time.Second

type State int32

const (
	StateIdle State = iota
	StatePending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	}
	return "unknown"
}

type Config struct {
	// Delay is the minimum time between the first signal of a burst and the
	// refresh, and the re-check period while busy.
	Delay time.Duration
	// Refresh performs the refetch. Required.
	Refresh func()
	// Busy reports whether a refresh is in flight. Nil means never busy.
	Busy func() bool
	// Scheduler defaults to a wall clock scheduler.
	Scheduler Scheduler
	Logger    *zap.Logger
}

type Coalescer struct {
	mu        sync.Mutex
	delay     time.Duration
	refresh   func()
	busy      func() bool
	scheduler Scheduler
	logger    *zap.Logger

	timer Timer
	// cycle identifies the current pending period; firings and cancels
	// from an older cycle are ignored.
	cycle  uint64
	closed bool
}

func New(cfg Config) *Coalescer {
	if cfg.Refresh == nil {
		panic("coalescer: Refresh is required")
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = &ClockScheduler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coalescer{
		delay:     cfg.Delay,
		refresh:   cfg.Refresh,
		busy:      cfg.Busy,
		scheduler: cfg.Scheduler,
		logger:    cfg.Logger,
	}
}

// Signal notes that fresher data may be available. The returned func
// cancels the pending refresh if this call is the one that armed it, and
// is a no-op otherwise.
func (c *Coalescer) Signal() (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	monitoring.SignalsTotal.Inc()
	if c.closed {
		return func() {}
	}
	if c.timer != nil {
		monitoring.CoalescedSignalsTotal.Inc()
		return func() {}
	}

	c.cycle++
	cycle := c.cycle
	c.armLocked(cycle)
	c.logger.Debug("refetch armed", zap.Uint64("cycle", cycle), zap.Duration("delay", c.delay))

	return func() { c.cancel(cycle) }
}

// State reports whether a refresh is pending.
func (c *Coalescer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		return StatePending
	}
	return StateIdle
}

// Close disarms any pending refresh. Signals after Close are ignored.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
		monitoring.CancelledRefreshesTotal.Inc()
	}
}

func (c *Coalescer) armLocked(cycle uint64) {
	c.timer = c.scheduler.AfterFunc(c.delay, func() {
		c.fire(cycle)
	})
}

func (c *Coalescer) cancel(cycle uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycle != cycle || c.timer == nil {
		return
	}
	c.timer.Stop()
	c.timer = nil
	monitoring.CancelledRefreshesTotal.Inc()
	c.logger.Debug("refetch cancelled", zap.Uint64("cycle", cycle))
}

func (c *Coalescer) fire(cycle uint64) {
	c.mu.Lock()
	if c.closed || c.timer == nil || c.cycle != cycle {
		c.mu.Unlock()
		return
	}
	if c.busy != nil && c.busy() {
		c.armLocked(cycle)
		c.mu.Unlock()
		monitoring.BusyRearmsTotal.Inc()
		c.logger.Debug("refetch deferred, busy", zap.Uint64("cycle", cycle))
		return
	}
	c.timer = nil
	c.mu.Unlock()

	monitoring.CoalescedRefreshesTotal.Inc()
	c.refresh()
}
