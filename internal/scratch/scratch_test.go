package scratch

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/getsentry/rtprof/internal/errorutil"
)

func TestLinearAllocate(t *testing.T) {
	l := NewLinear(16)

	a, err := l.String("render")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := l.String("shadow")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != "render" || b != "shadow" {
		t.Fatalf("got %q and %q", a, b)
	}
	if l.Used() != 12 {
		t.Fatalf("got %d used bytes, want 12", l.Used())
	}

	_, err = l.String("overflow")
	if !errors.Is(err, errorutil.ErrCapacityExhausted) {
		t.Fatalf("got %v, want ErrCapacityExhausted", err)
	}
	// A small allocation after an overflow must not alias the bytes past the
	// failed request.
	if _, err := l.Allocate(2); err == nil {
		t.Fatal("expected allocations to keep failing until reset")
	}
	if a != "render" || b != "shadow" {
		t.Fatalf("live strings were corrupted: %q %q", a, b)
	}
	if l.Used() != l.Cap() {
		t.Fatalf("got %d used bytes, want %d", l.Used(), l.Cap())
	}

	l.Reset()
	c, err := l.String("present")
	if err != nil || c != "present" {
		t.Fatalf("got %q, %v after reset", c, err)
	}
}

func TestLinearConcurrentAllocations(t *testing.T) {
	l := NewLinear(64 * 100)
	var wg sync.WaitGroup
	results := make([]string, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := l.String(strings.Repeat(string(rune('a'+i%26)), 100))
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = s
		}(i)
	}
	wg.Wait()
	for i, s := range results {
		if s != strings.Repeat(string(rune('a'+i%26)), 100) {
			t.Fatalf("allocation %d was overwritten", i)
		}
	}
}

func TestPoolEvict(t *testing.T) {
	p := NewPool(8)

	frame0 := p.Arena(0)
	s0 := frame0.String("abcdef")
	frame0.String("ghijkl")
	frame1 := p.Arena(1)
	s1 := frame1.String("frame1")
	big := frame1.String("a string longer than a page")

	if s0 != "abcdef" || s1 != "frame1" || big != "a string longer than a page" {
		t.Fatalf("got %q %q %q", s0, s1, big)
	}
	if got := p.Stats(); got.Pages != 4 || got.FreePages != 0 {
		t.Fatalf("got %+v, want 4 pages and none free", got)
	}

	p.Evict(0)
	if p.IsValid(0) {
		t.Fatal("frame 0 should be evicted")
	}
	if !p.IsValid(1) {
		t.Fatal("frame 1 should still be valid")
	}
	if got := p.Stats(); got.Pages != 4 || got.FreePages != 2 {
		t.Fatalf("got %+v, want 2 recycled pages", got)
	}

	frame2 := p.Arena(2)
	frame2.String("reuse")
	if got := p.Stats(); got.Pages != 4 || got.FreePages != 1 {
		t.Fatalf("got %+v, want a recycled page to be reused", got)
	}
	if s1 != "frame1" {
		t.Fatalf("frame 1 string was overwritten: %q", s1)
	}

	p.Evict(2)
	if got := p.Stats(); got.Pages != 3 || got.FreePages != 3 {
		t.Fatalf("got %+v, want oversize page dropped and the rest free", got)
	}
}
