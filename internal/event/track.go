package event

import "sync/atomic"

type TrackType uint8

const (
	TrackCPU TrackType = iota
	TrackGPU
	TrackPresent
)

func (t TrackType) String() string {
	switch t {
	case TrackCPU:
		return "cpu"
	case TrackGPU:
		return "gpu"
	case TrackPresent:
		return "present"
	default:
		return "unknown"
	}
}

// Track is one timeline: a CPU thread, a GPU queue or the present timeline.
// It owns a ring of frame buffers, one per frame of history.
type Track struct {
	Index uint16
	Type  TrackType
	ID    uint64
	Stack Stack

	name   atomic.Pointer[string]
	frames []*FrameBuffer
}

type TrackOptions struct {
	HistorySize  uint32
	MaxEvents    uint32
	ScratchBytes int
}

func NewTrack(index uint16, name string, typ TrackType, id uint64, opts TrackOptions) *Track {
	t := &Track{
		Index:  index,
		Type:   typ,
		ID:     id,
		frames: make([]*FrameBuffer, opts.HistorySize),
	}
	for i := range t.frames {
		t.frames[i] = NewFrameBuffer(opts.MaxEvents, opts.ScratchBytes)
	}
	t.SetName(name)
	return t
}

func (t *Track) Name() string {
	return *t.name.Load()
}

func (t *Track) SetName(name string) {
	t.name.Store(&name)
}

// Frame returns the ring slot for frame. Once HistorySize newer frames were
// recorded the slot holds one of them; FrameBuffer.Frame tells which.
func (t *Track) Frame(frame uint32) *FrameBuffer {
	return t.frames[frame%uint32(len(t.frames))]
}

func (t *Track) HistorySize() uint32 {
	return uint32(len(t.frames))
}

func (t *Track) Info() TrackInfo {
	return TrackInfo{
		Index: t.Index,
		Name:  t.Name(),
		Type:  t.Type,
		ID:    t.ID,
	}
}
