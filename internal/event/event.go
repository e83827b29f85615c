// Package event holds the data shared by every recorder: the event record,
// the per-frame buffers it lives in and the tracks owning those buffers.
package event

const (
	// MaxStackDepth bounds the nesting tracked per CPU thread or GPU queue.
	MaxStackDepth = 32
	// InvalidIndex marks a dropped event on a depth stack.
	InvalidIndex = ^uint32(0)
	// NoQueue marks a GPU event that never got a valid timestamp pair.
	NoQueue = ^uint8(0)
)

// Event is one timed region. Ticks are expressed in the CPU clock domain,
// including for GPU events once they are read back.
type Event struct {
	Name       string `json:"name"`
	File       string `json:"file,omitempty"`
	Line       uint32 `json:"line,omitempty"`
	Color      uint32 `json:"color"`
	Depth      uint8  `json:"depth"`
	TrackIndex uint16 `json:"track"`
	QueueIndex uint8  `json:"queue,omitempty"`
	TicksBegin uint64 `json:"begin"`
	TicksEnd   uint64 `json:"end"`
}

// IsValid reports whether both timestamps were recorded.
func (e *Event) IsValid() bool {
	return e.TicksBegin != 0 && e.TicksEnd != 0
}

func (e *Event) Duration() uint64 {
	if !e.IsValid() || e.TicksEnd < e.TicksBegin {
		return 0
	}
	return e.TicksEnd - e.TicksBegin
}
