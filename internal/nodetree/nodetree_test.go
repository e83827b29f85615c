package nodetree

import (
	"testing"

	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/testutil"
)

const frequency = 1_000_000_000

func ev(name string, depth uint8, begin, end uint64) event.Event {
	return event.Event{Name: name, Depth: depth, TicksBegin: begin, TicksEnd: end}
}

type shape struct {
	Name     string
	Start    uint64
	Duration uint64
	Children []shape
}

func shapes(nodes []*Node) []shape {
	var s []shape
	for _, n := range nodes {
		s = append(s, shape{Name: n.Name, Start: n.StartNS, Duration: n.DurationNS, Children: shapes(n.Children)})
	}
	return s
}

func TestFromEvents(t *testing.T) {
	tests := []struct {
		name   string
		events []event.Event
		want   []shape
	}{
		{
			name:   "empty",
			events: nil,
			want:   nil,
		},
		{
			name: "nested out of order",
			events: []event.Event{
				ev("Lighting", 1, 40, 70),
				ev("Frame", 0, 10, 100),
				ev("Shadows", 1, 10, 40),
				ev("Cascade", 2, 15, 20),
			},
			want: []shape{
				{Name: "Frame", Start: 10, Duration: 90, Children: []shape{
					{Name: "Shadows", Start: 10, Duration: 30, Children: []shape{
						{Name: "Cascade", Start: 15, Duration: 5},
					}},
					{Name: "Lighting", Start: 40, Duration: 30},
				}},
			},
		},
		{
			name: "siblings at root",
			events: []event.Event{
				ev("Update", 0, 10, 20),
				ev("Render", 0, 20, 30),
			},
			want: []shape{
				{Name: "Update", Start: 10, Duration: 10},
				{Name: "Render", Start: 20, Duration: 10},
			},
		},
		{
			name: "missing parent",
			events: []event.Event{
				ev("Frame", 0, 10, 100),
				ev("Orphan", 2, 20, 30),
			},
			want: []shape{
				{Name: "Frame", Start: 10, Duration: 90, Children: []shape{
					{Name: "Orphan", Start: 20, Duration: 10},
				}},
			},
		},
		{
			name: "invalid events are skipped",
			events: []event.Event{
				ev("Frame", 0, 10, 100),
				ev("Unfinished", 1, 20, 0),
			},
			want: []shape{
				{Name: "Frame", Start: 10, Duration: 90},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shapes(FromEvents(tt.events, frequency))
			if diff := testutil.Diff(got, tt.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestFilter(t *testing.T) {
	roots := FromEvents([]event.Event{
		ev("Frame", 0, 10, 100),
		ev("Shadows", 1, 10, 40),
		ev("Cascade", 2, 15, 20),
		ev("Lighting", 1, 40, 70),
	}, frequency)

	tests := []struct {
		name  string
		query string
		want  []shape
	}{
		{
			name:  "leaf keeps ancestors",
			query: "cascade",
			want: []shape{
				{Name: "Frame", Start: 10, Duration: 90, Children: []shape{
					{Name: "Shadows", Start: 10, Duration: 30, Children: []shape{
						{Name: "Cascade", Start: 15, Duration: 5},
					}},
				}},
			},
		},
		{
			name:  "inner node drops unmatched children",
			query: "LIGHT",
			want: []shape{
				{Name: "Frame", Start: 10, Duration: 90, Children: []shape{
					{Name: "Lighting", Start: 40, Duration: 30},
				}},
			},
		},
		{
			name:  "no match",
			query: "physics",
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := testutil.Diff(shapes(Filter(roots, tt.query)), tt.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
	if len(roots[0].Children) != 2 {
		t.Fatal("filter must not modify the source tree")
	}
}

func TestCollectFunctions(t *testing.T) {
	roots := FromEvents([]event.Event{
		ev("Frame", 0, 0, 100),
		ev("Draw", 1, 10, 30),
		ev("Draw", 1, 50, 60),
	}, frequency)
	results := make(map[uint64]CallTreeFunction)
	CollectFunctions(roots, results)

	draw := Fingerprint(ev("Draw", 1, 0, 0))
	frame := Fingerprint(ev("Frame", 0, 0, 0))
	want := map[uint64]CallTreeFunction{
		frame: {
			Fingerprint:   frame,
			Name:          "Frame",
			Count:         1,
			DurationsNS:   []uint64{100},
			SelfTimesNS:   []uint64{70},
			SumSelfTimeNS: 70,
		},
		draw: {
			Fingerprint:   draw,
			Name:          "Draw",
			Count:         2,
			DurationsNS:   []uint64{20, 10},
			SelfTimesNS:   []uint64{20, 10},
			SumSelfTimeNS: 30,
		},
	}
	if diff := testutil.Diff(results, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestFingerprint(t *testing.T) {
	a := event.Event{Name: "Draw", File: "render.go", Line: 10}
	b := a
	b.Depth, b.TicksBegin = 3, 42
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint must not depend on depth or time")
	}
	c := a
	c.QueueIndex = 1
	if Fingerprint(a) == Fingerprint(c) {
		t.Fatal("fingerprint must depend on the queue")
	}
	d := a
	d.Line = 11
	if Fingerprint(a) == Fingerprint(d) {
		t.Fatal("fingerprint must depend on the line")
	}
}
