// Package speedscope exports a history in speedscope's evented format, one
// profile per track.
package speedscope

import (
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/nodetree"
)

const (
	Schema = "https://www.speedscope.app/file-format-schema.json"

	ValueUnitNanoseconds ValueUnit = "nanoseconds"

	EventTypeOpenFrame  EventType = "O"
	EventTypeCloseFrame EventType = "C"

	ProfileTypeEvented ProfileType = "evented"
)

type (
	Frame struct {
		File  string `json:"file,omitempty"`
		Line  uint32 `json:"line,omitempty"`
		Name  string `json:"name"`
		Color uint32 `json:"color"`
	}

	Event struct {
		Type  EventType `json:"type"`
		Frame int       `json:"frame"`
		At    uint64    `json:"at"`
	}

	EventedProfile struct {
		EndValue   uint64      `json:"endValue"`
		Events     []Event     `json:"events"`
		Name       string      `json:"name"`
		StartValue uint64      `json:"startValue"`
		TrackType  string      `json:"trackType"`
		Type       ProfileType `json:"type"`
		Unit       ValueUnit   `json:"unit"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	EventType   string
	ProfileType string
	ValueUnit   string

	Output struct {
		Schema             string           `json:"$schema"`
		ActiveProfileIndex int              `json:"activeProfileIndex"`
		Exporter           string           `json:"exporter"`
		Name               string           `json:"name"`
		Profiles           []EventedProfile `json:"profiles"`
		Shared             SharedData       `json:"shared"`
		FirstFrame         uint32           `json:"firstFrame"`
		LastFrame          uint32           `json:"lastFrame"`
	}
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FromHistory converts every frame of h. Tracks without events are left
// out. Children are clamped into their parent so open and close events
// stay ordered.
func FromHistory(h event.History, name string) Output {
	begin, end := h.FrameRange()
	o := Output{
		Schema:     Schema,
		Exporter:   "rtprof",
		Name:       name,
		Profiles:   []EventedProfile{},
		Shared:     SharedData{Frames: []Frame{}},
		FirstFrame: begin,
		LastFrame:  end,
	}
	frameIndex := make(map[uint64]int)
	frameFor := func(n *nodetree.Node) int {
		if i, ok := frameIndex[n.Fingerprint]; ok {
			return i
		}
		i := len(o.Shared.Frames)
		frameIndex[n.Fingerprint] = i
		o.Shared.Frames = append(o.Shared.Frames, Frame{File: n.File, Line: n.Line, Name: n.Name, Color: n.Color})
		return i
	}

	for _, t := range h.Tracks() {
		p := EventedProfile{
			Name:      t.Name,
			TrackType: t.Type.String(),
			Type:      ProfileTypeEvented,
			Unit:      ValueUnitNanoseconds,
		}
		var last uint64
		var emit func(n *nodetree.Node, lo, hi uint64)
		emit = func(n *nodetree.Node, lo, hi uint64) {
			start := min(max(n.StartNS, lo, last), hi)
			stop := max(min(n.EndNS, hi), start)
			idx := frameFor(n)
			p.Events = append(p.Events, Event{Type: EventTypeOpenFrame, Frame: idx, At: start})
			last = start
			for _, c := range n.Children {
				emit(c, start, stop)
			}
			p.Events = append(p.Events, Event{Type: EventTypeCloseFrame, Frame: idx, At: stop})
			last = stop
		}
		for f := begin; f < end; f++ {
			for _, root := range nodetree.FromEvents(h.Events(t.Index, f), h.Frequency()) {
				emit(root, 0, root.EndNS)
			}
		}
		if len(p.Events) == 0 {
			continue
		}
		p.StartValue = p.Events[0].At
		p.EndValue = last
		o.Profiles = append(o.Profiles, p)
	}
	return o
}

func (o Output) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(o)
}
