// Package nodetree rebuilds the nesting of a frame's events from their
// depth so consumers can walk them as trees.
package nodetree

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/timeutil"
)

type Node struct {
	DurationNS  uint64  `json:"duration_ns"`
	EndNS       uint64  `json:"end_ns"`
	Fingerprint uint64  `json:"fingerprint"`
	Depth       uint8   `json:"depth"`
	Queue       uint8   `json:"queue,omitempty"`
	Line        uint32  `json:"line,omitempty"`
	Color       uint32  `json:"color"`
	Name        string  `json:"name"`
	File        string  `json:"file,omitempty"`
	StartNS     uint64  `json:"start_ns"`
	Children    []*Node `json:"children,omitempty"`
}

func NodeFromEvent(e event.Event, frequency uint64) *Node {
	n := Node{
		Color:   e.Color,
		Depth:   e.Depth,
		File:    e.File,
		Line:    e.Line,
		Name:    e.Name,
		Queue:   e.QueueIndex,
		StartNS: timeutil.TicksToNS(e.TicksBegin, frequency),
	}
	n.SetEnd(timeutil.TicksToNS(e.TicksEnd, frequency))
	n.Fingerprint = Fingerprint(e)
	return &n
}

func (n *Node) SetEnd(t uint64) {
	n.EndNS = max(t, n.StartNS)
	n.DurationNS = n.EndNS - n.StartNS
}

// SelfTimeNS is the part of the node's duration not covered by children.
func (n *Node) SelfTimeNS() uint64 {
	var children uint64
	for _, c := range n.Children {
		children += c.DurationNS
	}
	if children >= n.DurationNS {
		return 0
	}
	return n.DurationNS - children
}

// Fingerprint identifies a region by where it was recorded, whatever frame
// or track it was recorded on.
func Fingerprint(e event.Event) uint64 {
	h := xxhash.New()
	if e.Name == "" && e.File == "" {
		_, _ = h.WriteString("-")
	} else {
		_, _ = h.WriteString(e.Name)
		_, _ = h.WriteString(e.File)
	}
	var buf [5]byte
	binary.LittleEndian.PutUint32(buf[:4], e.Line)
	buf[4] = e.QueueIndex
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// FromEvents builds the trees of one track's frame. Events are ordered by
// start, parents first. An event deeper than the current nesting, which
// happens when its parent was dropped, is attached to the innermost open
// node.
func FromEvents(events []event.Event, frequency uint64) []*Node {
	sorted := make([]event.Event, 0, len(events))
	for _, e := range events {
		if e.IsValid() {
			sorted = append(sorted, e)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TicksBegin != sorted[j].TicksBegin {
			return sorted[i].TicksBegin < sorted[j].TicksBegin
		}
		return sorted[i].Depth < sorted[j].Depth
	})

	var roots []*Node
	stack := make([]*Node, 0, event.MaxStackDepth)
	for _, e := range sorted {
		n := NodeFromEvent(e, frequency)
		for len(stack) > int(e.Depth) {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, n)
		} else {
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, n)
		}
		stack = append(stack, n)
	}
	return roots
}

// Filter returns copies of the trees keeping only nodes whose name contains
// query, case insensitively, and their ancestors.
func Filter(roots []*Node, query string) []*Node {
	if query == "" {
		return roots
	}
	query = strings.ToLower(query)
	var out []*Node
	for _, r := range roots {
		if n := r.filter(query); n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (n *Node) filter(query string) *Node {
	var children []*Node
	for _, c := range n.Children {
		if fc := c.filter(query); fc != nil {
			children = append(children, fc)
		}
	}
	if len(children) == 0 && !strings.Contains(strings.ToLower(n.Name), query) {
		return nil
	}
	cp := *n
	cp.Children = children
	return &cp
}

// Walk calls fn on every node, parents before children, until fn returns
// false.
func Walk(roots []*Node, fn func(n *Node, parents []*Node) bool) {
	parents := make([]*Node, 0, event.MaxStackDepth)
	var walk func(n *Node) bool
	walk = func(n *Node) bool {
		if !fn(n, parents) {
			return false
		}
		parents = append(parents, n)
		defer func() {
			parents = parents[:len(parents)-1]
		}()
		for _, c := range n.Children {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	for _, r := range roots {
		if !walk(r) {
			return
		}
	}
}
