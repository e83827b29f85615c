package simgpu

import (
	"sync"

	"github.com/getsentry/rtprof/internal/gpu"
	"github.com/getsentry/rtprof/internal/timeutil"
)

// SwapChain is a flip-model swapchain whose display statistics are driven by
// the caller through VBlank or SetStatistics.
type SwapChain struct {
	clock timeutil.Clock

	mu        sync.Mutex
	presentID uint32
	refresh   uint32
	stats     gpu.FrameStatistics
	err       error
}

func NewSwapChain(clock timeutil.Clock) *SwapChain {
	return &SwapChain{clock: clock}
}

// Present queues a new present and returns its id.
func (s *SwapChain) Present() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presentID++
	return s.presentID
}

func (s *SwapChain) LastPresentID() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presentID, nil
}

func (s *SwapChain) FrameStatistics() (gpu.FrameStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return gpu.FrameStatistics{}, s.err
	}
	return s.stats, nil
}

// VBlank simulates a refresh at the current CPU time. When displayed is
// non-zero that present becomes the last one shown on screen.
func (s *SwapChain) VBlank(displayed uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh++
	s.stats.SyncRefreshCount = s.refresh
	s.stats.SyncTicks = s.clock.Ticks()
	if displayed != 0 {
		s.stats.PresentCount = displayed
		s.stats.PresentRefreshCount = s.refresh
	}
}

func (s *SwapChain) SetStatistics(stats gpu.FrameStatistics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
	s.refresh = stats.SyncRefreshCount
}

// FailStatistics makes FrameStatistics return err until called with nil.
func (s *SwapChain) FailStatistics(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
