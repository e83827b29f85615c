package timeutil

import (
	"sync/atomic"
	"time"
)

// Clock is the CPU time source every recorded tick is expressed in.
// Ticks never returns zero, zero marks an unset timestamp.
type Clock interface {
	Ticks() uint64
	Frequency() uint64
}

type monotonicClock struct {
	start time.Time
}

// NewMonotonicClock returns a nanosecond clock based on the runtime's
// monotonic reading, starting at 1.
func NewMonotonicClock() Clock {
	return monotonicClock{start: time.Now()}
}

func (c monotonicClock) Ticks() uint64 {
	return uint64(time.Since(c.start)) + 1
}

func (c monotonicClock) Frequency() uint64 {
	return uint64(time.Second)
}

// ManualClock only moves when told to.
type ManualClock struct {
	ticks     atomic.Uint64
	frequency uint64
}

func NewManualClock(start, frequency uint64) *ManualClock {
	if start == 0 {
		start = 1
	}
	c := &ManualClock{frequency: frequency}
	c.ticks.Store(start)
	return c
}

func (c *ManualClock) Ticks() uint64 {
	return c.ticks.Load()
}

func (c *ManualClock) Frequency() uint64 {
	return c.frequency
}

// Advance moves the clock forward and returns the new reading.
func (c *ManualClock) Advance(ticks uint64) uint64 {
	return c.ticks.Add(ticks)
}

func (c *ManualClock) Set(ticks uint64) {
	c.ticks.Store(ticks)
}
