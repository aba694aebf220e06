// Package timeutil provides a testable abstraction over wall-clock time and
// the elapsed-time trigger used for periodic checkpointing.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// MockClock is a manually controlled clock for testing.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set sets the mock clock to a specific time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the mock clock forward by the given duration.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Interval fires once the wall-clock time since the last Reset strictly
// exceeds Period. It is independent of how many steps ran in between.
type Interval struct {
	clock  Clock
	period time.Duration
	start  time.Time
}

// NewInterval starts an interval at clock.Now(). A nil clock means RealClock.
func NewInterval(clock Clock, period time.Duration) *Interval {
	if clock == nil {
		clock = RealClock{}
	}
	return &Interval{clock: clock, period: period, start: clock.Now()}
}

// Due reports whether the period has elapsed.
func (i *Interval) Due() bool {
	return i.clock.Since(i.start) > i.period
}

// Reset restarts the interval from now.
func (i *Interval) Reset() {
	i.start = i.clock.Now()
}

// Elapsed returns the time since the last Reset.
func (i *Interval) Elapsed() time.Duration {
	return i.clock.Since(i.start)
}

// Stopwatch measures the duration of consecutive laps, e.g. per-step time.
type Stopwatch struct {
	clock Clock
	last  time.Time
}

// NewStopwatch starts a stopwatch. A nil clock means RealClock.
func NewStopwatch(clock Clock) *Stopwatch {
	if clock == nil {
		clock = RealClock{}
	}
	return &Stopwatch{clock: clock, last: clock.Now()}
}

// Lap returns the time since the previous lap and starts a new one.
func (s *Stopwatch) Lap() time.Duration {
	now := s.clock.Now()
	d := now.Sub(s.last)
	s.last = now
	return d
}
