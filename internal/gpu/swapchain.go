package gpu

// FrameStatistics mirrors what a swapchain reports about the most recent
// present that reached the display. SyncTicks is in the CPU clock domain.
type FrameStatistics struct {
	// PresentCount is the id of the last displayed present.
	PresentCount uint32
	// PresentRefreshCount is the vblank count when that present was
	// displayed.
	PresentRefreshCount uint32
	// SyncRefreshCount is the vblank count of the last sampled vblank.
	SyncRefreshCount uint32
	SyncTicks        uint64
}

type SwapChain interface {
	// LastPresentID returns the id assigned to the last present call.
	LastPresentID() (uint32, error)
	FrameStatistics() (FrameStatistics, error)
}
