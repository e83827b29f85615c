package cpuprof

import (
	"fmt"
	"runtime"

	"github.com/getsentry/rtprof/internal/errorutil"
	"github.com/getsentry/rtprof/internal/event"
)

// Thread records events on one CPU track. A Thread must only be used by the
// goroutine it was registered for.
type Thread struct {
	recorder *Recorder
	track    *event.Track
}

func (t *Thread) Track() *event.Track {
	return t.track
}

// BeginEvent opens a region. A zero color picks one from the name.
func (t *Thread) BeginEvent(name string, color uint32, file string, line uint32) {
	r := t.recorder
	if cb := r.cfg.Callbacks.OnEventBegin; cb != nil {
		cb(name)
	}
	if r.paused.Load() {
		return
	}

	frame := r.frameIndex.Load()
	b := t.track.Frame(frame)
	depth := t.track.Stack.Len()
	idx, e, ok := b.Allocate()
	if !ok {
		r.dropEvent(t.track, b)
		t.track.Stack.Push(event.InvalidIndex)
		return
	}

	s, err := b.Strings().String(name)
	if err != nil {
		r.droppedStrings.Add(1)
		r.reporter.Once("cpuprof.strings", fmt.Errorf("cpuprof: track %q: %w", t.track.Name(), err))
		s = "?"
	}
	if color == 0 {
		color = event.ColorFromString(name, event.CPUHueMin, event.CPUHueMax)
	}
	e.Name = s
	e.File = file
	e.Line = line
	e.Color = color
	e.Depth = uint8(min(depth, 255))
	e.TrackIndex = t.track.Index
	e.TicksBegin = r.cfg.Clock.Ticks()
	t.track.Stack.Push(idx)
}

// EndEvent closes the innermost open region.
func (t *Thread) EndEvent() {
	r := t.recorder
	if cb := r.cfg.Callbacks.OnEventEnd; cb != nil {
		cb()
	}
	if r.paused.Load() {
		return
	}

	idx, ok := t.track.Stack.Pop()
	if !ok {
		r.reporter.Fatal(fmt.Errorf("cpuprof: %w: EndEvent without a matching BeginEvent on %q", errorutil.ErrUsage, t.track.Name()))
		return
	}
	if idx == event.InvalidIndex {
		return
	}
	if e := t.track.Frame(r.frameIndex.Load()).At(idx); e != nil {
		e.TicksEnd = r.cfg.Clock.Ticks()
	}
}

func (t *Thread) Begin(name string) {
	t.BeginEvent(name, 0, "", 0)
}

func (t *Thread) End() {
	t.EndEvent()
}

// Scope opens a region tagged with the caller's location and returns the
// function closing it:
//
//	defer thread.Scope("Shadows")()
func (t *Thread) Scope(name string) func() {
	_, file, line, _ := runtime.Caller(1)
	t.BeginEvent(name, 0, file, uint32(line))
	return t.EndEvent
}
