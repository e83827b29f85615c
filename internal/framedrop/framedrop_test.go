package framedrop

import (
	"testing"

	"github.com/getsentry/rtprof/internal/cpuprof"
	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/nodetree"
	"github.com/getsentry/rtprof/internal/present"
	"github.com/getsentry/rtprof/internal/testutil"
)

type result struct {
	Frame       uint32
	DiscardedNS uint64
	Track       string
	Name        string
	DurationNS  uint64
	StackTrace  []string
}

func results(causes []Cause) []result {
	var r []result
	for _, c := range causes {
		var st []string
		for _, n := range c.StackTrace {
			st = append(st, n.Name)
		}
		r = append(r, result{
			Frame:       c.Frame,
			DiscardedNS: c.DiscardedNS,
			Track:       c.Track,
			Name:        c.Node.Name,
			DurationNS:  c.Node.DurationNS,
			StackTrace:  st,
		})
	}
	return r
}

func ev(name string, depth uint8, begin, end uint64) event.Event {
	return event.Event{Name: name, Depth: depth, TicksBegin: begin, TicksEnd: end}
}

func discarded(at uint64) event.Event {
	return event.Event{Name: present.DiscardedName, Depth: 1, TicksBegin: at, TicksEnd: at + 1}
}

func TestFindCauses(t *testing.T) {
	tracks := []event.TrackInfo{
		{Index: 0, Name: cpuprof.MainThreadName, Type: event.TrackCPU},
		{Index: 1, Name: present.TrackName, Type: event.TrackPresent},
	}
	tests := []struct {
		name   string
		frames []event.FrameEvents
		want   []result
	}{
		{
			name: "deepest of equally long regions",
			frames: []event.FrameEvents{
				{Frame: 3, Tracks: [][]event.Event{
					{
						ev(cpuprof.FrameEventName, 0, 1, 101),
						ev("Update", 1, 1, 31),
						ev("Render", 1, 31, 91),
						ev("Draw", 2, 31, 91),
						ev("Cull", 3, 41, 51),
					},
					{discarded(120)},
				}},
			},
			want: []result{
				{
					Frame:       3,
					DiscardedNS: 120,
					Track:       cpuprof.MainThreadName,
					Name:        "Draw",
					DurationNS:  60,
					StackTrace:  []string{cpuprof.FrameEventName, "Render", "Draw"},
				},
			},
		},
		{
			name: "longest region wins",
			frames: []event.FrameEvents{
				{Frame: 3, Tracks: [][]event.Event{
					{
						ev(cpuprof.FrameEventName, 0, 1, 101),
						ev("Update", 1, 1, 71),
						ev("Physics", 2, 1, 21),
						ev("Render", 1, 71, 91),
					},
					{discarded(120)},
				}},
			},
			want: []result{
				{
					Frame:       3,
					DiscardedNS: 120,
					Track:       cpuprof.MainThreadName,
					Name:        "Update",
					DurationNS:  70,
					StackTrace:  []string{cpuprof.FrameEventName, "Update"},
				},
			},
		},
		{
			name: "frames without a discarded present are ignored",
			frames: []event.FrameEvents{
				{Frame: 3, Tracks: [][]event.Event{
					{ev(cpuprof.FrameEventName, 0, 1, 101), ev("Update", 1, 1, 71)},
					{{Name: present.PresentName, TicksBegin: 100, TicksEnd: 116}},
				}},
			},
		},
		{
			name: "frame marker alone is not a cause",
			frames: []event.FrameEvents{
				{Frame: 3, Tracks: [][]event.Event{
					{ev(cpuprof.FrameEventName, 0, 1, 101)},
					{discarded(120)},
				}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := &event.Snapshot{
				Begin:      3,
				End:        4,
				TicksPerS:  1_000_000_000,
				TrackInfos: tracks,
				Frames:     tt.frames,
			}
			if diff := testutil.Diff(results(FindCauses(snap, 0)), tt.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestFindCausesWithoutPresentTrack(t *testing.T) {
	snap := &event.Snapshot{
		Begin:      0,
		End:        1,
		TicksPerS:  1_000_000_000,
		TrackInfos: []event.TrackInfo{{Index: 0, Name: cpuprof.MainThreadName}},
		Frames:     []event.FrameEvents{{Frame: 0, Tracks: [][]event.Event{{ev("Update", 0, 1, 2)}}}},
	}
	if causes := FindCauses(snap, 0); causes != nil {
		t.Fatalf("got %+v, want no cause", causes)
	}
}

func TestFindCauseKeepsStack(t *testing.T) {
	root := nodetree.FromEvents([]event.Event{
		ev("A", 0, 1, 11),
		ev("B", 1, 1, 11),
	}, 1_000_000_000)[0]
	st := make([]*nodetree.Node, 0, 4)
	cause := findCause(root, &st, 0)
	if cause == nil || cause.n.Name != "B" || len(cause.st) != 2 {
		t.Fatalf("got %+v, want B under A", cause)
	}
	if len(st) != 0 {
		t.Fatalf("stack not unwound: %d", len(st))
	}
}
