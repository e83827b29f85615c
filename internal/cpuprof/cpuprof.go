// Package cpuprof records nested timed regions on CPU threads into per-frame
// buffers and owns the history ring every other track shares.
package cpuprof

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/getsentry/rtprof/internal/assertutil"
	"github.com/getsentry/rtprof/internal/errorutil"
	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/logutil"
	"github.com/getsentry/rtprof/internal/timeutil"
)

const (
	FrameEventName = "CPU Frame"
	MainThreadName = "Main Thread"

	DefaultHistorySize       = 32
	DefaultMaxEventsPerFrame = 1024
	DefaultScratchBytes      = 16 * 1024
)

var ErrInvalidConfig = errors.New("cpuprof: invalid config")

type Callbacks struct {
	OnEventBegin func(name string)
	OnEventEnd   func()
}

type Config struct {
	// HistorySize is the number of frames kept per track.
	HistorySize uint32
	// MaxEventsPerFrame bounds the events one track records in a frame.
	MaxEventsPerFrame uint32
	// ScratchBytesPerFrame bounds the event name bytes one track copies in a
	// frame.
	ScratchBytesPerFrame int
	// MainThreadID identifies the thread calling Tick.
	MainThreadID uint64
	Clock        timeutil.Clock
	Reporter     *assertutil.Reporter
	Callbacks    Callbacks
}

func (c Config) withDefaults() Config {
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.MaxEventsPerFrame == 0 {
		c.MaxEventsPerFrame = DefaultMaxEventsPerFrame
	}
	if c.ScratchBytesPerFrame == 0 {
		c.ScratchBytesPerFrame = DefaultScratchBytes
	}
	if c.Clock == nil {
		c.Clock = timeutil.NewMonotonicClock()
	}
	return c
}

type Stats struct {
	DroppedEvents  uint64 `json:"dropped_events"`
	DroppedStrings uint64 `json:"dropped_strings"`
	LeakedRegions  uint64 `json:"leaked_regions"`
	Frames         uint64 `json:"frames"`
}

type Recorder struct {
	cfg      Config
	reporter *assertutil.Reporter

	mu      sync.Mutex
	tracks  atomic.Pointer[[]*event.Track]
	threads *xsync.Map[uint64, *Thread]
	main    *Thread

	frameIndex   atomic.Uint32
	paused       atomic.Bool
	queuedPaused atomic.Bool
	rootOpen     bool
	anchors      []uint64

	droppedEvents  atomic.Uint64
	droppedStrings atomic.Uint64
	leakedRegions  atomic.Uint64
	frames         atomic.Uint64
}

func New(cfg Config) (*Recorder, error) {
	cfg = cfg.withDefaults()
	if cfg.MaxEventsPerFrame >= event.InvalidIndex {
		return nil, fmt.Errorf("%w: %d events per frame", ErrInvalidConfig, cfg.MaxEventsPerFrame)
	}
	r := &Recorder{
		cfg:      cfg,
		reporter: cfg.Reporter,
		threads:  xsync.NewMap[uint64, *Thread](),
		anchors:  make([]uint64, cfg.HistorySize),
	}
	tracks := make([]*event.Track, 0, 16)
	r.tracks.Store(&tracks)
	r.main = r.RegisterThread(cfg.MainThreadID, MainThreadName)
	r.anchors[0] = cfg.Clock.Ticks()
	return r, nil
}

// RegisterTrack appends a new track. Track indexes are never reused.
func (r *Recorder) RegisterTrack(name string, typ event.TrackType, id uint64) *event.Track {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.tracks.Load()
	t := event.NewTrack(uint16(len(old)), name, typ, id, event.TrackOptions{
		HistorySize:  r.cfg.HistorySize,
		MaxEvents:    r.cfg.MaxEventsPerFrame,
		ScratchBytes: r.cfg.ScratchBytesPerFrame,
	})
	frame := r.frameIndex.Load()
	t.Frame(frame).Reset(frame)

	tracks := make([]*event.Track, len(old), len(old)+1)
	copy(tracks, old)
	tracks = append(tracks, t)
	r.tracks.Store(&tracks)
	return t
}

// RegisterThread returns the handle of thread id, creating it on first use.
// A non-empty name renames an already registered thread.
func (r *Recorder) RegisterThread(id uint64, name string) *Thread {
	t, loaded := r.threads.LoadOrCompute(id, func() (*Thread, bool) {
		if name == "" {
			name = defaultThreadName(id)
		}
		return &Thread{recorder: r, track: r.RegisterTrack(name, event.TrackCPU, id)}, false
	})
	if loaded && name != "" && t.track.Name() != name {
		t.track.SetName(name)
	}
	return t
}

// Thread returns the handle of thread id, registering it with a default
// name if needed.
func (r *Recorder) Thread(id uint64) *Thread {
	if t, ok := r.threads.Load(id); ok {
		return t
	}
	return r.RegisterThread(id, "")
}

func defaultThreadName(id uint64) string {
	return "Thread " + strconv.FormatUint(id, 10)
}

func (r *Recorder) MainThread() *Thread {
	return r.main
}

// Tracks returns every registered track, including GPU and present tracks.
func (r *Recorder) Tracks() []*event.Track {
	return *r.tracks.Load()
}

func (r *Recorder) Track(index uint16) *event.Track {
	tracks := r.Tracks()
	if int(index) >= len(tracks) {
		return nil
	}
	return tracks[index]
}

func (r *Recorder) FrameIndex() uint32 {
	return r.frameIndex.Load()
}

func (r *Recorder) HistorySize() uint32 {
	return r.cfg.HistorySize
}

func (r *Recorder) Clock() timeutil.Clock {
	return r.cfg.Clock
}

// FrameRange returns the finished frames still held by the ring.
func (r *Recorder) FrameRange() (uint32, uint32) {
	frame := r.frameIndex.Load()
	if frame < r.cfg.HistorySize {
		return 0, frame
	}
	return frame - r.cfg.HistorySize + 1, frame
}

// FrameAnchorTicks returns the tick the frame started at.
func (r *Recorder) FrameAnchorTicks(frame uint32) uint64 {
	return r.anchors[frame%uint32(len(r.anchors))]
}

// SetPaused takes effect on the next Tick.
func (r *Recorder) SetPaused(paused bool) {
	r.queuedPaused.Store(paused)
}

func (r *Recorder) IsPaused() bool {
	return r.paused.Load()
}

// AddEvent stores an already timed event into a track. It's how GPU and
// present events join the history. The event is dropped when the ring slot
// doesn't hold frame anymore.
func (r *Recorder) AddEvent(track uint16, e event.Event, frame uint32) bool {
	t := r.Track(track)
	if t == nil {
		return false
	}
	b := t.Frame(frame)
	if b.Frame() != frame {
		return false
	}
	_, slot, ok := b.Allocate()
	if !ok {
		r.droppedEvents.Add(1)
		r.reporter.Once("cpuprof.add_event", fmt.Errorf("cpuprof: %w: track %q can't hold more than %d events per frame", errorutil.ErrCapacityExhausted, t.Name(), b.Cap()))
		return false
	}
	*slot = e
	slot.TrackIndex = track
	return true
}

// Tick closes the current frame and opens the next one. It must be called
// from the main thread once per frame, with no region open on any thread.
func (r *Recorder) Tick() {
	paused := r.queuedPaused.Load()
	r.paused.Store(paused)
	if paused {
		return
	}

	if r.rootOpen {
		r.main.EndEvent()
		r.rootOpen = false
	}

	frame := r.frameIndex.Load()
	tracks := r.Tracks()
	for _, t := range tracks {
		if t.Type != event.TrackCPU {
			continue
		}
		if depth := t.Stack.Len(); depth != 0 {
			r.leakedRegions.Add(uint64(depth))
			t.Stack.Clear()
			r.reporter.Fatal(fmt.Errorf("cpuprof: %w: %d region(s) still open on %q at the end of frame %d", errorutil.ErrUsage, depth, t.Name(), frame))
		}
	}

	// Tracks registered during the walk must see either the old frame
	// index or a reset slot for next.
	next := frame + 1
	r.mu.Lock()
	for _, t := range r.Tracks() {
		t.Frame(next).Reset(next)
	}
	r.anchors[next%uint32(len(r.anchors))] = r.cfg.Clock.Ticks()
	r.frameIndex.Store(next)
	r.mu.Unlock()
	r.frames.Add(1)

	r.main.BeginEvent(FrameEventName, 0, "", 0)
	r.rootOpen = true
}

func (r *Recorder) Stats() Stats {
	return Stats{
		DroppedEvents:  r.droppedEvents.Load(),
		DroppedStrings: r.droppedStrings.Load(),
		LeakedRegions:  r.leakedRegions.Load(),
		Frames:         r.frames.Load(),
	}
}

func (r *Recorder) dropEvent(t *event.Track, b *event.FrameBuffer) {
	r.droppedEvents.Add(1)
	logutil.Sampled().Warn().Str("track", t.Name()).Int("capacity", b.Cap()).Msg("cpu event dropped")
	r.reporter.Once("cpuprof.events."+strconv.Itoa(int(t.Index)), fmt.Errorf("cpuprof: %w: track %q can't hold more than %d events per frame", errorutil.ErrCapacityExhausted, t.Name(), b.Cap()))
}
