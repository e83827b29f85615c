package event

import "sync/atomic"

// Stack is a bounded stack of event indexes. Pushes past MaxStackDepth are
// counted but not stored, and their matching pops return InvalidIndex, so
// Begin/End pairs stay balanced while the excess nesting is dropped.
//
// Pushes and pops happen on the owning thread; Len may be read from the frame
// thread.
type Stack struct {
	data [MaxStackDepth]uint32
	size atomic.Uint32
}

// Push returns false when the value was dropped.
func (s *Stack) Push(v uint32) bool {
	n := s.size.Load()
	s.size.Store(n + 1)
	if n >= MaxStackDepth {
		return false
	}
	s.data[n] = v
	return true
}

// Pop returns false when the stack is empty.
func (s *Stack) Pop() (uint32, bool) {
	n := s.size.Load()
	if n == 0 {
		return InvalidIndex, false
	}
	n--
	s.size.Store(n)
	if n >= MaxStackDepth {
		return InvalidIndex, true
	}
	return s.data[n], true
}

// Len is the logical depth, including dropped entries.
func (s *Stack) Len() uint32 {
	return s.size.Load()
}

func (s *Stack) Clear() {
	s.size.Store(0)
}
