// Package scratch holds the bump allocators backing event names and other
// per-frame strings.
package scratch

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/getsentry/rtprof/internal/errorutil"
)

// Linear is a fixed-size bump allocator. Allocations are safe from multiple
// goroutines writing to the same frame; Reset is not.
type Linear struct {
	buf    []byte
	offset atomic.Uint64
}

func NewLinear(size int) *Linear {
	return &Linear{buf: make([]byte, size)}
}

// Allocate reserves n bytes. Once the buffer is exhausted every following
// allocation fails until Reset, so a failed request never hands out bytes
// overlapping a live allocation.
func (l *Linear) Allocate(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	end := l.offset.Add(uint64(n))
	if end > uint64(len(l.buf)) {
		return nil, fmt.Errorf("scratch: %w: %d bytes requested, %d available", errorutil.ErrCapacityExhausted, n, len(l.buf))
	}
	start := end - uint64(n)
	return l.buf[start:end:end], nil
}

// String copies s into the allocator.
func (l *Linear) String(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	b, err := l.Allocate(len(s))
	if err != nil {
		return "", err
	}
	copy(b, s)
	return unsafe.String(&b[0], len(b)), nil
}

func (l *Linear) Reset() {
	l.offset.Store(0)
}

// Used returns the number of bytes handed out, capped at the capacity.
func (l *Linear) Used() int {
	used := l.offset.Load()
	if used > uint64(len(l.buf)) {
		return len(l.buf)
	}
	return int(used)
}

func (l *Linear) Cap() int {
	return len(l.buf)
}
