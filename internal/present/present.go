// Package present turns swapchain statistics into a timeline of how long
// each frame stayed on screen, and marks the frames that never made it.
package present

import (
	"fmt"
	"time"

	"github.com/getsentry/rtprof/internal/assertutil"
	"github.com/getsentry/rtprof/internal/errorutil"
	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/gpu"
	"github.com/getsentry/rtprof/internal/timeutil"
)

const (
	TrackName     = "Present"
	PresentName   = "Present"
	DiscardedName = "Discarded"

	// DroppedFrame is the display time of a present that was replaced before
	// reaching the screen.
	DroppedFrame = ^uint64(0)
	// MissedFrame is the display time of a present whose display couldn't be
	// observed.
	MissedFrame = ^uint64(0) - 1

	queueSize = 32
	// MaxPending is the most frames a present can stay unresolved before its
	// entry is overwritten.
	MaxPending = queueSize
)

var (
	presentColor   = event.ColorFromString(PresentName, event.CPUHueMin, event.CPUHueMax)
	discardedColor = uint32(0x2020c0)
)

// Sink stores the spans the tracker produces.
type Sink interface {
	RegisterTrack(name string, typ event.TrackType, id uint64) *event.Track
	AddEvent(track uint16, e event.Event, frame uint32) bool
}

type Config struct {
	Sink     Sink
	Clock    timeutil.Clock
	Reporter *assertutil.Reporter
	// DiscardedLength is the length of the marker emitted for a discarded
	// present. Defaults to a millisecond.
	DiscardedLength time.Duration
}

type Entry struct {
	PresentID    uint32
	FrameIndex   uint32
	PresentTicks uint64
	DisplayTicks uint64
}

func (e *Entry) displayed() bool {
	return e.DisplayTicks != DroppedFrame && e.DisplayTicks != MissedFrame
}

type Stats struct {
	Presents  uint64 `json:"presents"`
	Displayed uint64 `json:"displayed"`
	Discarded uint64 `json:"discarded"`
	Missed    uint64 `json:"missed"`
	Lost      uint64 `json:"lost"`
	Errors    uint64 `json:"errors"`
}

// Tracker must be driven from the thread presenting frames.
type Tracker struct {
	sink          Sink
	clock         timeutil.Clock
	reporter      *assertutil.Reporter
	track         uint16
	discardLength uint64

	entries         [queueSize]Entry
	haveStats       bool
	lastQueued      uint32
	lastQueried     uint32
	lastSyncRefresh uint32
	lastSyncTicks   uint64
	lastProcessed   uint32

	haveValid bool
	prevValid Entry

	stats Stats
}

func New(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewMonotonicClock()
	}
	if cfg.DiscardedLength <= 0 {
		cfg.DiscardedLength = time.Millisecond
	}
	t := &Tracker{
		sink:          cfg.Sink,
		clock:         cfg.Clock,
		reporter:      cfg.Reporter,
		discardLength: max(timeutil.DurationToTicks(cfg.DiscardedLength, cfg.Clock.Frequency()), 1),
	}
	t.track = cfg.Sink.RegisterTrack(TrackName, event.TrackPresent, 0).Index
	return t
}

func (t *Tracker) TrackIndex() uint16 {
	return t.track
}

func (t *Tracker) Stats() Stats {
	return t.stats
}

// Unsettled returns the oldest frame that may still receive a span: the frame
// of the last displayed present, whose span ends on the next display, or the
// frame of a present not processed yet.
func (t *Tracker) Unsettled() (uint32, bool) {
	var frame uint32
	ok := false
	if t.haveValid {
		frame, ok = t.prevValid.FrameIndex, true
	}
	first := t.lastProcessed + 1
	if t.lastQueued >= queueSize {
		first = max(first, t.lastQueued-queueSize+1)
	}
	for id := first; id != 0 && id <= t.lastQueued; id++ {
		if e := t.entry(id); e != nil && (!ok || e.FrameIndex < frame) {
			frame, ok = e.FrameIndex, true
		}
	}
	return frame, ok
}

// entry returns the ring entry of id, or nil if it was overwritten.
func (t *Tracker) entry(id uint32) *Entry {
	e := &t.entries[id%queueSize]
	if e.PresentID != id || id == 0 {
		return nil
	}
	return e
}

// Present records that frame was just presented on sc, then updates display
// times from the swapchain statistics and emits every span that can be
// finalized.
func (t *Tracker) Present(sc gpu.SwapChain, frame uint32) {
	id, err := sc.LastPresentID()
	if err != nil {
		t.stats.Errors++
		t.reporter.Fatal(fmt.Errorf("present: %w: last present id: %v", errorutil.ErrBackend, err))
		return
	}
	if id != 0 && id != t.lastQueued {
		e := &t.entries[id%queueSize]
		if e.PresentID != 0 && e.PresentID > t.lastProcessed {
			t.stats.Lost++
		}
		*e = Entry{
			PresentID:    id,
			FrameIndex:   frame,
			PresentTicks: t.clock.Ticks(),
			DisplayTicks: DroppedFrame,
		}
		t.lastQueued = id
		t.stats.Presents++
	}

	stats, err := sc.FrameStatistics()
	if err != nil {
		t.stats.Errors++
		t.reporter.Fatal(fmt.Errorf("present: %w: frame statistics: %v", errorutil.ErrBackend, err))
		return
	}
	t.update(stats)
	t.process()
}

func (t *Tracker) update(stats gpu.FrameStatistics) {
	if stats.PresentCount == 0 {
		return
	}
	if !t.haveStats {
		t.haveStats = true
		if e := t.entry(stats.PresentCount); e != nil {
			e.DisplayTicks = stats.SyncTicks
		}
		// Presents before the first observed one can't be resolved anymore.
		if t.lastProcessed < stats.PresentCount-1 {
			t.lastProcessed = stats.PresentCount - 1
		}
		t.lastQueried = stats.PresentCount
		t.lastSyncRefresh = stats.SyncRefreshCount
		t.lastSyncTicks = stats.SyncTicks
		return
	}
	if stats.PresentCount <= t.lastQueried {
		return
	}

	presentDelta := stats.PresentCount - t.lastQueried
	syncDelta := stats.SyncRefreshCount - t.lastSyncRefresh
	if e := t.entry(stats.PresentCount); e != nil {
		e.DisplayTicks = stats.SyncTicks
	}

	// Presents between the last two observations. With at least as many
	// refreshes as presents each of them had a refresh to be shown on, the
	// polling just missed them. Otherwise they were replaced before display.
	if presentDelta > 1 && syncDelta >= presentDelta {
		if presentDelta == 2 && syncDelta == 2 && t.lastSyncTicks < stats.SyncTicks {
			if e := t.entry(t.lastQueried + 1); e != nil {
				e.DisplayTicks = t.lastSyncTicks + (stats.SyncTicks-t.lastSyncTicks)/2
			}
		} else {
			for id := t.lastQueried + 1; id < stats.PresentCount; id++ {
				if e := t.entry(id); e != nil {
					e.DisplayTicks = MissedFrame
				}
			}
		}
	}

	t.lastQueried = stats.PresentCount
	t.lastSyncRefresh = stats.SyncRefreshCount
	t.lastSyncTicks = stats.SyncTicks
}

// nextDisplayed returns the first displayed entry after id that the
// statistics already covered.
func (t *Tracker) nextDisplayed(id uint32) *Entry {
	for next := id + 1; next <= t.lastQueried; next++ {
		if e := t.entry(next); e != nil && e.displayed() {
			return e
		}
	}
	return nil
}

func (t *Tracker) process() {
	for id := t.lastProcessed + 1; id <= t.lastQueried; id++ {
		e := t.entry(id)
		if e == nil {
			// Counted as lost when it was overwritten.
			t.lastProcessed = id
			continue
		}

		switch e.DisplayTicks {
		case MissedFrame:
			t.stats.Missed++
		case DroppedFrame:
			next := t.nextDisplayed(id)
			if next == nil {
				return
			}
			t.discard(e, next.DisplayTicks)
		default:
			next := t.nextDisplayed(id)
			if next != nil && next.DisplayTicks == e.DisplayTicks {
				// Both were reported on the same refresh. Only a later
				// observation tells which one actually stayed on screen.
				if next.PresentID == t.lastQueried {
					return
				}
				t.discard(e, next.DisplayTicks)
				break
			}
			t.display(e)
		}
		t.lastProcessed = id
	}
}

func (t *Tracker) display(e *Entry) {
	if t.haveValid && t.prevValid.DisplayTicks == e.DisplayTicks {
		// The previous present was replaced on the same refresh.
		t.stats.Displayed--
		t.discard(&t.prevValid, e.DisplayTicks)
		t.prevValid = *e
		t.stats.Displayed++
		return
	}
	t.stats.Displayed++
	if t.haveValid {
		t.sink.AddEvent(t.track, event.Event{
			Name:       PresentName,
			Color:      presentColor,
			TicksBegin: t.prevValid.DisplayTicks,
			TicksEnd:   e.DisplayTicks,
		}, t.prevValid.FrameIndex)
	}
	t.prevValid = *e
	t.haveValid = true
}

func (t *Tracker) discard(e *Entry, at uint64) {
	t.stats.Discarded++
	t.sink.AddEvent(t.track, event.Event{
		Name:       DiscardedName,
		Color:      discardedColor,
		Depth:      1,
		TicksBegin: at,
		TicksEnd:   at + t.discardLength,
	}, e.FrameIndex)
}
