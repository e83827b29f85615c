package speedscope

import (
	"bytes"
	"testing"

	jsoniter "github.com/json-iterator/go"

	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/testutil"
)

func ev(name string, depth uint8, begin, end uint64) event.Event {
	return event.Event{Name: name, Depth: depth, TicksBegin: begin, TicksEnd: end}
}

func snapshot(frames ...[]event.Event) *event.Snapshot {
	s := &event.Snapshot{
		TicksPerS: 1_000_000_000,
		TrackInfos: []event.TrackInfo{
			{Index: 0, Name: "Main Thread", Type: event.TrackCPU},
			{Index: 1, Name: "Idle", Type: event.TrackCPU},
		},
	}
	for i, events := range frames {
		s.Frames = append(s.Frames, event.FrameEvents{Frame: uint32(i), Tracks: [][]event.Event{events, nil}})
	}
	s.End = uint32(len(frames))
	return s
}

func TestFromHistory(t *testing.T) {
	tests := []struct {
		name       string
		frames     [][]event.Event
		want       []Event
		wantFrames []string
	}{
		{
			name:   "nested regions across frames",
			frames: [][]event.Event{
				{ev("A", 0, 10, 50), ev("B", 1, 20, 30)},
				{ev("A", 0, 60, 80)},
			},
			want: []Event{
				{Type: EventTypeOpenFrame, Frame: 0, At: 10},
				{Type: EventTypeOpenFrame, Frame: 1, At: 20},
				{Type: EventTypeCloseFrame, Frame: 1, At: 30},
				{Type: EventTypeCloseFrame, Frame: 0, At: 50},
				{Type: EventTypeOpenFrame, Frame: 0, At: 60},
				{Type: EventTypeCloseFrame, Frame: 0, At: 80},
			},
			wantFrames: []string{"A", "B"},
		},
		{
			name:   "child overrunning its parent is clamped",
			frames: [][]event.Event{
				{ev("A", 0, 10, 50), ev("B", 1, 40, 70)},
			},
			want: []Event{
				{Type: EventTypeOpenFrame, Frame: 0, At: 10},
				{Type: EventTypeOpenFrame, Frame: 1, At: 40},
				{Type: EventTypeCloseFrame, Frame: 1, At: 50},
				{Type: EventTypeCloseFrame, Frame: 0, At: 50},
			},
			wantFrames: []string{"A", "B"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := FromHistory(snapshot(tt.frames...), "capture")
			if len(o.Profiles) != 1 {
				t.Fatalf("got %d profiles, want only the track with events", len(o.Profiles))
			}
			p := o.Profiles[0]
			if diff := testutil.Diff(p.Events, tt.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
			if p.StartValue != tt.want[0].At || p.EndValue != tt.want[len(tt.want)-1].At {
				t.Fatalf("got values [%d, %d]", p.StartValue, p.EndValue)
			}
			var names []string
			for _, f := range o.Shared.Frames {
				names = append(names, f.Name)
			}
			if diff := testutil.Diff(names, tt.wantFrames); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	o := FromHistory(snapshot([]event.Event{ev("A", 0, 10, 50)}), "capture")
	var buf bytes.Buffer
	if err := o.Encode(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	if err := jsoniter.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded["$schema"] != Schema {
		t.Fatalf("got schema %v", decoded["$schema"])
	}
	profiles, ok := decoded["profiles"].([]interface{})
	if !ok || len(profiles) != 1 {
		t.Fatalf("got profiles %v", decoded["profiles"])
	}
}
