// ABOUTME: Duration conversions and the monotonic clocks used for sync timestamps
// ABOUTME: All sync arithmetic is done in signed nanoseconds
package timeutil

import (
	"sync/atomic"
	"time"
)

// NanosToMillis converts nanoseconds to fractional milliseconds
func NanosToMillis(ns int64) float64 {
	return float64(ns) / float64(time.Millisecond)
}

// NanosToSeconds converts nanoseconds to fractional seconds
func NanosToSeconds(ns int64) float64 {
	return float64(ns) / float64(time.Second)
}

// MillisToNanos converts whole milliseconds to nanoseconds
func MillisToNanos(ms int64) int64 {
	return ms * int64(time.Millisecond)
}

// SecondsToNanos converts whole seconds to nanoseconds
func SecondsToNanos(s int64) int64 {
	return s * int64(time.Second)
}

// Clock returns a monotonic timestamp in nanoseconds. The origin is
// arbitrary; only differences and cross-clock offsets are meaningful.
type Clock interface {
	Now() int64
}

// MonotonicClock counts nanoseconds since it was created, using Go's
// monotonic clock reading so wall-clock steps never move it.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock creates a clock whose zero is the current instant
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// Now returns nanoseconds since the clock was created
func (c *MonotonicClock) Now() int64 {
	return time.Since(c.start).Nanoseconds()
}

// ManualClock is a settable clock for tests and simulations
type ManualClock struct {
	ns atomic.Int64
}

// NewManualClock creates a manual clock starting at ns
func NewManualClock(ns int64) *ManualClock {
	c := &ManualClock{}
	c.ns.Store(ns)
	return c
}

// Now returns the current manual time
func (c *ManualClock) Now() int64 {
	return c.ns.Load()
}

// Set moves the clock to ns
func (c *ManualClock) Set(ns int64) {
	c.ns.Store(ns)
}

// Advance moves the clock forward by d and returns the new time
func (c *ManualClock) Advance(d time.Duration) int64 {
	return c.ns.Add(int64(d))
}
