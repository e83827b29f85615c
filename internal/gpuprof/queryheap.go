package gpuprof

import (
	"fmt"
	"sync/atomic"

	"github.com/getsentry/rtprof/internal/assertutil"
	"github.com/getsentry/rtprof/internal/errorutil"
	"github.com/getsentry/rtprof/internal/gpu"
	"github.com/getsentry/rtprof/internal/logutil"
)

const (
	// InvalidQuery marks a timestamp that couldn't be recorded.
	InvalidQuery uint16 = 0xFFFF
	// MaxQueries is the largest heap a 16 bit query index can address.
	MaxQueries = uint32(InvalidQuery)
)

// QueryHeap owns the timestamp queries of one queue class across
// frameLatency frames in flight.
type QueryHeap struct {
	heap     gpu.QueryHeap
	readback gpu.ReadbackBuffer
	fence    gpu.Fence
	resolver gpu.Resolver
	reporter *assertutil.Reporter

	name         string
	maxQueries   uint32
	frameLatency uint32

	queryIndex    atomic.Uint32
	lastCompleted uint64

	droppedQueries atomic.Uint64
	backlogWaits   atomic.Uint64
}

func newQueryHeap(device gpu.Device, queue gpu.Queue, maxQueries, frameLatency uint32, reporter *assertutil.Reporter) (*QueryHeap, error) {
	h := &QueryHeap{
		name:         queue.Type().DefaultName(),
		maxQueries:   maxQueries,
		frameLatency: frameLatency,
		reporter:     reporter,
	}
	var err error
	if h.heap, err = device.CreateQueryHeap(queue.Type(), maxQueries); err != nil {
		return nil, fmt.Errorf("gpuprof: %w: create query heap: %v", errorutil.ErrBackend, err)
	}
	if h.readback, err = device.CreateReadbackBuffer(maxQueries * frameLatency); err != nil {
		h.Release()
		return nil, fmt.Errorf("gpuprof: %w: create readback buffer: %v", errorutil.ErrBackend, err)
	}
	if h.fence, err = device.CreateFence(0); err != nil {
		h.Release()
		return nil, fmt.Errorf("gpuprof: %w: create fence: %v", errorutil.ErrBackend, err)
	}
	if h.resolver, err = device.CreateResolver(queue, frameLatency); err != nil {
		h.Release()
		return nil, fmt.Errorf("gpuprof: %w: create resolver: %v", errorutil.ErrBackend, err)
	}
	if err = h.resolver.Reset(0); err != nil {
		h.Release()
		return nil, fmt.Errorf("gpuprof: %w: reset resolver: %v", errorutil.ErrBackend, err)
	}
	return h, nil
}

// RecordQuery writes a timestamp on cmd and returns its slot, or
// InvalidQuery once the heap is full for this frame.
func (h *QueryHeap) RecordQuery(cmd gpu.CommandBuffer) uint16 {
	idx := h.queryIndex.Add(1) - 1
	if idx >= h.maxQueries {
		h.droppedQueries.Add(1)
		logutil.Sampled().Warn().Str("heap", h.name).Uint32("capacity", h.maxQueries).Msg("gpu query dropped")
		h.reporter.Once("gpuprof.queries."+h.name, fmt.Errorf("gpuprof: %w: %s heap can't hold more than %d queries per frame", errorutil.ErrCapacityExhausted, h.name, h.maxQueries))
		return InvalidQuery
	}
	h.heap.WriteTimestamp(cmd, idx)
	return uint16(idx)
}

// Resolve copies this frame's queries into its readback slot and signals the
// fence with frame+1 once done. It returns the number of queries resolved.
func (h *QueryHeap) Resolve(frame uint32) uint32 {
	n := min(h.queryIndex.Load(), h.maxQueries)
	if n > 0 {
		if err := h.resolver.Resolve(h.heap, 0, n, h.readback, h.readbackOffset(frame)); err != nil {
			h.reporter.Fatal(fmt.Errorf("gpuprof: %w: resolve %s queries of frame %d: %v", errorutil.ErrBackend, h.name, frame, err))
		}
	}
	if err := h.resolver.Submit(h.fence, fenceValue(frame)); err != nil {
		h.reporter.Fatal(fmt.Errorf("gpuprof: %w: submit %s resolve of frame %d: %v", errorutil.ErrBackend, h.name, frame, err))
	}
	return n
}

// Reset prepares the heap for recording frame. When the GPU hasn't finished
// the frame that last used the same readback slot, it reports the backlog
// and blocks until it has.
func (h *QueryHeap) Reset(frame uint32) {
	if frame >= h.frameLatency {
		previous := frame - h.frameLatency
		if !h.IsFrameComplete(previous) {
			h.backlogWaits.Add(1)
			h.reporter.Recoverable(fmt.Errorf("gpuprof: %w: %s heap waiting on frame %d, frame latency %d is too small", errorutil.ErrPipelineBacklog, h.name, previous, h.frameLatency))
			if err := h.fence.Wait(fenceValue(previous)); err != nil {
				h.reporter.Fatal(fmt.Errorf("gpuprof: %w: wait on %s fence: %v", errorutil.ErrBackend, h.name, err))
			}
			h.lastCompleted = h.fence.CompletedValue()
		}
	}
	h.queryIndex.Store(0)
	if err := h.resolver.Reset(frame % h.frameLatency); err != nil {
		h.reporter.Fatal(fmt.Errorf("gpuprof: %w: reset %s resolver: %v", errorutil.ErrBackend, h.name, err))
	}
}

// IsFrameComplete reports whether the resolve of frame finished.
func (h *QueryHeap) IsFrameComplete(frame uint32) bool {
	v := fenceValue(frame)
	if v <= h.lastCompleted {
		return true
	}
	h.lastCompleted = max(h.lastCompleted, h.fence.CompletedValue())
	return v <= h.lastCompleted
}

// QueryData returns the resolved timestamps of frame. Only valid once
// IsFrameComplete returns true.
func (h *QueryHeap) QueryData(frame uint32) []uint64 {
	off := h.readbackOffset(frame)
	return h.readback.Data()[off : off+h.maxQueries]
}

func (h *QueryHeap) Used() uint32 {
	return min(h.queryIndex.Load(), h.maxQueries)
}

func (h *QueryHeap) readbackOffset(frame uint32) uint32 {
	return (frame % h.frameLatency) * h.maxQueries
}

func (h *QueryHeap) Release() {
	if h.resolver != nil {
		h.resolver.Release()
	}
	if h.fence != nil {
		h.fence.Release()
	}
	if h.readback != nil {
		h.readback.Release()
	}
	if h.heap != nil {
		h.heap.Release()
	}
}

// The fence carries frame+1 so that frame 0 isn't confused with the initial
// fence value.
func fenceValue(frame uint32) uint64 {
	return uint64(frame) + 1
}
