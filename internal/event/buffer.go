package event

import (
	"sync/atomic"

	"github.com/getsentry/rtprof/internal/scratch"
)

// FrameBuffer holds the events a single track recorded during one frame.
type FrameBuffer struct {
	events  []Event
	count   atomic.Uint32
	frame   atomic.Uint32
	strings *scratch.Linear
}

func NewFrameBuffer(capacity uint32, scratchBytes int) *FrameBuffer {
	return &FrameBuffer{
		events:  make([]Event, capacity),
		strings: scratch.NewLinear(scratchBytes),
	}
}

// Allocate reserves the next slot. It returns false once the buffer holds
// Cap events, leaving the existing ones untouched.
func (b *FrameBuffer) Allocate() (uint32, *Event, bool) {
	idx := b.count.Add(1) - 1
	if idx >= uint32(len(b.events)) {
		return InvalidIndex, nil, false
	}
	e := &b.events[idx]
	*e = Event{}
	return idx, e, true
}

// At returns the slot at idx, or nil for InvalidIndex and out of range
// indexes.
func (b *FrameBuffer) At(idx uint32) *Event {
	if idx >= uint32(len(b.events)) {
		return nil
	}
	return &b.events[idx]
}

// Events returns the allocated prefix of the buffer.
func (b *FrameBuffer) Events() []Event {
	n := b.count.Load()
	if n > uint32(len(b.events)) {
		n = uint32(len(b.events))
	}
	return b.events[:n]
}

// Len returns the number of allocated events.
func (b *FrameBuffer) Len() int {
	return len(b.Events())
}

// Dropped returns how many allocations failed since the last reset.
func (b *FrameBuffer) Dropped() uint32 {
	n := b.count.Load()
	if n <= uint32(len(b.events)) {
		return 0
	}
	return n - uint32(len(b.events))
}

func (b *FrameBuffer) Cap() int {
	return len(b.events)
}

// Frame returns the frame index this buffer currently holds.
func (b *FrameBuffer) Frame() uint32 {
	return b.frame.Load()
}

// Strings is the allocator owning the names of this frame's events.
func (b *FrameBuffer) Strings() *scratch.Linear {
	return b.strings
}

// Reset empties the buffer and tags it with frame.
func (b *FrameBuffer) Reset(frame uint32) {
	b.count.Store(0)
	b.strings.Reset()
	b.frame.Store(frame)
}
