package gpuprof

import (
	"fmt"
	"sync"

	"github.com/getsentry/rtprof/internal/errorutil"
	"github.com/getsentry/rtprof/internal/gpu"
)

const (
	endMarker    uint16 = 0xFFFE
	invalidEvent uint16 = 0xFFFF
)

type marker struct {
	query uint16
	event uint16
}

// Recording is a handle on the markers recorded into one command buffer
// until it's submitted. The zero value is not a valid handle.
type Recording struct {
	slot       uint32
	generation uint32
}

type recordingState struct {
	generation uint32
	live       bool
	cmd        gpu.CommandBuffer
	markers    []marker
}

// recordings is a slot table of recording states. Looking a handle up takes
// the read lock, opening and releasing take the write lock.
type recordings struct {
	mu    sync.RWMutex
	slots []*recordingState
	free  []uint32
}

func (rs *recordings) open(cmd gpu.CommandBuffer) Recording {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var slot uint32
	if n := len(rs.free); n > 0 {
		slot = rs.free[n-1]
		rs.free = rs.free[:n-1]
	} else {
		slot = uint32(len(rs.slots))
		rs.slots = append(rs.slots, &recordingState{})
	}
	st := rs.slots[slot]
	st.generation++
	st.live = true
	st.cmd = cmd
	st.markers = st.markers[:0]
	return Recording{slot: slot, generation: st.generation}
}

func (rs *recordings) get(h Recording) (*recordingState, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if int(h.slot) >= len(rs.slots) {
		return nil, fmt.Errorf("gpuprof: %w: unknown recording handle", errorutil.ErrUsage)
	}
	st := rs.slots[h.slot]
	if !st.live || st.generation != h.generation || h.generation == 0 {
		return nil, fmt.Errorf("gpuprof: %w: recording handle used after submission", errorutil.ErrUsage)
	}
	return st, nil
}

// take releases the handle and hands its command buffer and markers over to
// the caller.
func (rs *recordings) take(h Recording) (gpu.CommandBuffer, []marker, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if int(h.slot) >= len(rs.slots) {
		return nil, nil, fmt.Errorf("gpuprof: %w: unknown recording handle", errorutil.ErrUsage)
	}
	st := rs.slots[h.slot]
	if !st.live || st.generation != h.generation || h.generation == 0 {
		return nil, nil, fmt.Errorf("gpuprof: %w: recording handle submitted twice", errorutil.ErrUsage)
	}
	cmd, markers := st.cmd, st.markers
	st.live = false
	st.cmd = nil
	st.markers = nil
	rs.free = append(rs.free, h.slot)
	return cmd, markers, nil
}

// dropPending clears the markers of every open recording and returns how many
// recordings had some.
func (rs *recordings) dropPending() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var n int
	for _, st := range rs.slots {
		if st.live && len(st.markers) > 0 {
			n++
			st.markers = st.markers[:0]
		}
	}
	return n
}

func (rs *recordings) live() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.slots) - len(rs.free)
}
