package coalescer

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Timer is a handle to a scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d has elapsed.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// ClockScheduler schedules callbacks on a clock.Clock. The zero value uses
// the wall clock.
type ClockScheduler struct {
	Clock clock.Clock
}

func NewClockScheduler(c clock.Clock) *ClockScheduler {
	return &ClockScheduler{Clock: c}
}

func (s *ClockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	c := s.Clock
	if c == nil {
		c = clock.New()
	}
	return c.AfterFunc(d, f)
}
