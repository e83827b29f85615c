package event

import (
	"sort"
	"strings"
)

type TrackInfo struct {
	Index uint16    `json:"index"`
	Name  string    `json:"name"`
	Type  TrackType `json:"type"`
	ID    uint64    `json:"id"`
}

// History is the read-only view consumers use. Frames outside
// [begin, end) of FrameRange must not be read.
type History interface {
	FrameRange() (begin, end uint32)
	Tracks() []TrackInfo
	// Events returns the valid events a track recorded during frame.
	Events(track uint16, frame uint32) []Event
	// Frequency is the tick frequency of every timestamp.
	Frequency() uint64
}

// Settler is implemented by histories whose newest frames can still receive
// events, like present spans attributed once a later refresh resolves them.
type Settler interface {
	// Settled returns the first frame that may still change.
	Settled() uint32
}

// SettledEnd returns the end of the frames of h that won't change anymore.
// Incremental exporters stop there.
func SettledEnd(h History) uint32 {
	begin, end := h.FrameRange()
	if s, ok := h.(Settler); ok {
		return max(begin, min(end, s.Settled()))
	}
	return end
}

// FrameEvents is one frame of a Snapshot, events indexed by track.
type FrameEvents struct {
	Frame  uint32    `json:"frame"`
	Tracks [][]Event `json:"tracks"`
}

// Snapshot is a copy of a History window. It doesn't reference recorder
// memory and can be handed to other goroutines.
type Snapshot struct {
	Begin      uint32        `json:"begin"`
	End        uint32        `json:"end"`
	TicksPerS  uint64        `json:"frequency"`
	TrackInfos []TrackInfo   `json:"tracks"`
	Frames     []FrameEvents `json:"frames"`
	// Unsettled counts the frames at the end of the window that could still
	// receive events when the snapshot was taken.
	Unsettled uint32 `json:"unsettled,omitempty"`
}

// TakeSnapshot copies every frame of h with the event names detached from
// the recorders' scratch memory.
func TakeSnapshot(h History) *Snapshot {
	begin, end := h.FrameRange()
	s := &Snapshot{
		Begin:      begin,
		End:        end,
		TicksPerS:  h.Frequency(),
		TrackInfos: h.Tracks(),
		Unsettled:  end - SettledEnd(h),
	}
	for f := begin; f < end; f++ {
		fe := FrameEvents{Frame: f, Tracks: make([][]Event, len(s.TrackInfos))}
		for i, t := range s.TrackInfos {
			events := h.Events(t.Index, f)
			if len(events) == 0 {
				continue
			}
			copied := make([]Event, len(events))
			for j, e := range events {
				e.Name = strings.Clone(e.Name)
				e.File = strings.Clone(e.File)
				copied[j] = e
			}
			fe.Tracks[i] = copied
		}
		s.Frames = append(s.Frames, fe)
	}
	return s
}

func (s *Snapshot) FrameRange() (uint32, uint32) {
	return s.Begin, s.End
}

func (s *Snapshot) Tracks() []TrackInfo {
	return s.TrackInfos
}

func (s *Snapshot) Settled() uint32 {
	return s.End - min(s.Unsettled, s.End-s.Begin)
}

func (s *Snapshot) Frequency() uint64 {
	return s.TicksPerS
}

func (s *Snapshot) Events(track uint16, frame uint32) []Event {
	if frame < s.Begin || frame >= s.End {
		return nil
	}
	i := sort.Search(len(s.Frames), func(i int) bool {
		return s.Frames[i].Frame >= frame
	})
	if i == len(s.Frames) || s.Frames[i].Frame != frame {
		return nil
	}
	for j, t := range s.TrackInfos {
		if t.Index == track && j < len(s.Frames[i].Tracks) {
			return s.Frames[i].Tracks[j]
		}
	}
	return nil
}

// TrackByName returns the first track with the given name.
func TrackByName(h History, name string) (TrackInfo, bool) {
	for _, t := range h.Tracks() {
		if t.Name == name {
			return t, true
		}
	}
	return TrackInfo{}, false
}
