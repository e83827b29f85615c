// Package framedrop attributes discarded presents to the costliest CPU
// region of the frame that produced them.
package framedrop

import (
	"github.com/getsentry/rtprof/internal/cpuprof"
	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/nodetree"
	"github.com/getsentry/rtprof/internal/present"
	"github.com/getsentry/rtprof/internal/timeutil"
)

type (
	Cause struct {
		Frame       uint32          `json:"frame"`
		DiscardedNS uint64          `json:"discarded_ns"`
		Track       string          `json:"track"`
		Node        nodetree.Node   `json:"node"`
		StackTrace  []nodetree.Node `json:"stack_trace"`
	}

	nodeStack struct {
		depth int
		n     *nodetree.Node
		st    []*nodetree.Node
	}
)

// FindCauses returns one cause per discarded present in h, looking for it on
// track. Frames without a candidate region are skipped.
func FindCauses(h event.History, track uint16) []Cause {
	presentTrack, ok := event.TrackByName(h, present.TrackName)
	if !ok {
		return nil
	}
	var trackName string
	for _, t := range h.Tracks() {
		if t.Index == track {
			trackName = t.Name
		}
	}

	var causes []Cause
	begin, end := h.FrameRange()
	for f := begin; f < end; f++ {
		var roots []*nodetree.Node
		for _, marker := range h.Events(presentTrack.Index, f) {
			if marker.Name != present.DiscardedName {
				continue
			}
			if roots == nil {
				roots = nodetree.FromEvents(h.Events(track, f), h.Frequency())
			}
			st := make([]*nodetree.Node, 0, event.MaxStackDepth)
			var cause *nodeStack
			for _, root := range roots {
				c := findCause(root, &st, 0)
				if c != nil && (cause == nil || longer(c, cause)) {
					cause = c
				}
			}
			if cause == nil {
				continue
			}
			stackTrace := make([]nodetree.Node, 0, len(cause.st))
			for _, n := range cause.st {
				frame := *n
				frame.Children = nil
				stackTrace = append(stackTrace, frame)
			}
			node := *cause.n
			node.Children = nil
			causes = append(causes, Cause{
				Frame:       f,
				DiscardedNS: timeutil.TicksToNS(marker.TicksBegin, h.Frequency()),
				Track:       trackName,
				Node:        node,
				StackTrace:  stackTrace,
			})
		}
	}
	return causes
}

func longer(a, b *nodeStack) bool {
	return a.n.DurationNS > b.n.DurationNS ||
		a.n.DurationNS == b.n.DurationNS && a.depth > b.depth
}

func findCause(n *nodetree.Node, st *[]*nodetree.Node, depth int) *nodeStack {
	*st = append(*st, n)
	defer func() {
		*st = (*st)[:len(*st)-1]
	}()
	var longest *nodeStack

	for _, c := range n.Children {
		cause := findCause(c, st, depth+1)
		if cause == nil {
			continue
		}
		if longest == nil || longer(cause, longest) {
			longest = cause
		}
	}

	current := &nodeStack{depth: depth, n: n}
	if !isCandidate(n) {
		current = nil
	}
	if longest == nil {
		if current != nil {
			current.st = make([]*nodetree.Node, len(*st))
			copy(current.st, *st)
		}
		return current
	}

	// Children win ties so the cause is as precise as possible.
	if current == nil || longest.n.DurationNS >= current.n.DurationNS {
		return longest
	}
	current.st = make([]*nodetree.Node, len(*st))
	copy(current.st, *st)
	return current
}

// isCandidate excludes the frame marker, which covers the whole frame.
func isCandidate(n *nodetree.Node) bool {
	return n.Name != cpuprof.FrameEventName
}
