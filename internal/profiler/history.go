package profiler

import (
	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/present"
)

// History reads the profiler's ring directly. It must only be used from the
// frame thread between ticks; take a Snapshot to hand data to another
// goroutine.
type History struct {
	p *Profiler
}

// FrameRange returns the frames whose CPU and GPU data are both final.
func (h *History) FrameRange() (uint32, uint32) {
	begin, end := h.p.cpu.FrameRange()
	if h.p.gpu != nil {
		end = min(end, h.p.gpu.FrameToReadback())
	}
	if end < begin {
		return begin, begin
	}
	return begin, end
}

// Settled returns the first frame whose present spans may still be added.
// Frames that waited longer than the present queue can hold count as
// settled, and so does the oldest frame of the window once the next Tick
// evicts it.
func (h *History) Settled() uint32 {
	begin, end := h.FrameRange()
	if begin == end {
		return end
	}
	settled := end
	if f, ok := h.p.present.Unsettled(); ok {
		settled = min(settled, f)
	}
	floor := begin
	if h.p.cpu.FrameIndex()+1 >= h.p.cpu.HistorySize() {
		floor = begin + 1
	}
	if end > present.MaxPending {
		floor = max(floor, end-present.MaxPending)
	}
	return max(settled, floor)
}

func (h *History) Tracks() []event.TrackInfo {
	tracks := h.p.cpu.Tracks()
	infos := make([]event.TrackInfo, len(tracks))
	for i, t := range tracks {
		infos[i] = t.Info()
	}
	return infos
}

func (h *History) Frequency() uint64 {
	return h.p.cfg.Clock.Frequency()
}

// Events returns the valid events of track during frame. The slice is
// freshly allocated but names still point into recorder memory.
func (h *History) Events(track uint16, frame uint32) []event.Event {
	t := h.p.cpu.Track(track)
	if t == nil {
		return nil
	}
	b := t.Frame(frame)
	if b.Frame() != frame {
		return nil
	}
	src := b.Events()
	events := make([]event.Event, 0, len(src))
	for _, e := range src {
		if e.IsValid() {
			events = append(events, e)
		}
	}
	return events
}

// Raw returns the ring slot frame maps to, whatever frame it currently
// holds.
func (h *History) Raw(track uint16, frame uint32) *event.FrameBuffer {
	t := h.p.cpu.Track(track)
	if t == nil {
		return nil
	}
	return t.Frame(frame)
}

func (h *History) Snapshot() *event.Snapshot {
	return event.TakeSnapshot(h)
}
