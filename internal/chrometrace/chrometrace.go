// Package chrometrace writes histories in the Chrome trace event format
// understood by chrome://tracing and Perfetto.
package chrometrace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"

	gojson "github.com/goccy/go-json"

	"github.com/getsentry/rtprof/internal/event"
)

const (
	PhaseComplete = "X"
	PhaseMetadata = "M"
)

var ErrNotStarted = errors.New("chrometrace: writer not started")

type TraceEvent struct {
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Ph   string                 `json:"ph"`
	Ts   float64                `json:"ts"`
	Dur  float64                `json:"dur,omitempty"`
	Pid  int                    `json:"pid"`
	Tid  uint16                 `json:"tid"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Writer streams a growing history as a single JSON array. Begin opens the
// array, each Update appends the settled frames not written yet, Drain
// appends the rest and End closes it.
type Writer struct {
	w         *bufio.Writer
	pid       int
	started   bool
	empty     bool
	base      uint64
	frequency uint64
	nextFrame uint32
	named     map[uint16]bool
	skipped   uint32
}

func NewWriter(w io.Writer, pid int) *Writer {
	return &Writer{
		w:     bufio.NewWriter(w),
		pid:   pid,
		empty: true,
		named: make(map[uint16]bool),
	}
}

// Begin writes the process metadata and picks the earliest tick of the
// first frame of h as the time origin.
func (cw *Writer) Begin(h event.History, process string) error {
	if _, err := cw.w.WriteString("[\n"); err != nil {
		return err
	}
	cw.started = true
	cw.frequency = h.Frequency()
	begin, end := h.FrameRange()
	cw.nextFrame = begin
	cw.base = math.MaxUint64
	if begin < end {
		for _, t := range h.Tracks() {
			for _, e := range h.Events(t.Index, begin) {
				cw.base = min(cw.base, e.TicksBegin)
			}
		}
	}
	if cw.base == math.MaxUint64 {
		cw.base = 0
	}
	return cw.write(TraceEvent{
		Name: "process_name",
		Ph:   PhaseMetadata,
		Pid:  cw.pid,
		Args: map[string]interface{}{"name": process},
	})
}

// Update writes the frames of h not written yet that can't change anymore.
// Frames that left the history before being written are counted as skipped.
func (cw *Writer) Update(h event.History) error {
	return cw.writeFrames(h, event.SettledEnd(h))
}

// Drain writes every frame of h not written yet, including the ones that may
// still receive events. It is meant for the last update before End.
func (cw *Writer) Drain(h event.History) error {
	_, end := h.FrameRange()
	return cw.writeFrames(h, end)
}

func (cw *Writer) writeFrames(h event.History, until uint32) error {
	if !cw.started {
		return ErrNotStarted
	}
	tracks := h.Tracks()
	for _, t := range tracks {
		if cw.named[t.Index] {
			continue
		}
		cw.named[t.Index] = true
		err := cw.write(TraceEvent{
			Name: "thread_name",
			Ph:   PhaseMetadata,
			Pid:  cw.pid,
			Tid:  t.Index,
			Args: map[string]interface{}{"name": t.Name},
		})
		if err != nil {
			return err
		}
	}

	begin, _ := h.FrameRange()
	if cw.nextFrame < begin {
		cw.skipped += begin - cw.nextFrame
		cw.nextFrame = begin
	}
	for f := cw.nextFrame; f < until; f++ {
		for _, t := range tracks {
			for _, e := range h.Events(t.Index, f) {
				if err := cw.write(cw.traceEvent(t, e, f)); err != nil {
					return err
				}
			}
		}
	}
	cw.nextFrame = max(cw.nextFrame, until)
	return cw.w.Flush()
}

func (cw *Writer) End() error {
	if !cw.started {
		return ErrNotStarted
	}
	cw.started = false
	if _, err := cw.w.WriteString("\n]\n"); err != nil {
		return err
	}
	return cw.w.Flush()
}

// Skipped returns the number of frames lost between two updates.
func (cw *Writer) Skipped() uint32 {
	return cw.skipped
}

func (cw *Writer) traceEvent(t event.TrackInfo, e event.Event, frame uint32) TraceEvent {
	args := map[string]interface{}{
		"frame": frame,
		"depth": e.Depth,
	}
	if e.File != "" {
		args["location"] = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	return TraceEvent{
		Name: e.Name,
		Cat:  t.Type.String(),
		Ph:   PhaseComplete,
		Ts:   cw.micros(e.TicksBegin),
		Dur:  float64(e.Duration()) * 1e6 / float64(cw.frequency),
		Pid:  cw.pid,
		Tid:  t.Index,
		Args: args,
	}
}

func (cw *Writer) micros(ticks uint64) float64 {
	return float64(int64(ticks-cw.base)) * 1e6 / float64(cw.frequency)
}

func (cw *Writer) write(e TraceEvent) error {
	b, err := gojson.Marshal(e)
	if err != nil {
		return err
	}
	if !cw.empty {
		if _, err := cw.w.WriteString(",\n"); err != nil {
			return err
		}
	}
	cw.empty = false
	_, err = cw.w.Write(b)
	return err
}

// Export writes every frame of h as a complete trace.
func Export(w io.Writer, h event.History, process string) error {
	cw := NewWriter(w, 1)
	if err := cw.Begin(h, process); err != nil {
		return err
	}
	if err := cw.Drain(h); err != nil {
		return err
	}
	return cw.End()
}
