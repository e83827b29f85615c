// Package gpu declares what the profiler needs from a graphics backend.
// Implementations wrap a real API; simgpu provides a simulated one.
package gpu

type QueueType uint8

const (
	QueueDirect QueueType = iota
	QueueCompute
	QueueCopy
	QueueVideoDecode
	QueueVideoProcess
	QueueVideoEncode
)

// DefaultName is used for queues the backend didn't name.
func (t QueueType) DefaultName() string {
	switch t {
	case QueueDirect:
		return "Direct Queue"
	case QueueCompute:
		return "Compute Queue"
	case QueueCopy:
		return "Copy Queue"
	case QueueVideoDecode:
		return "Video Decode Queue"
	case QueueVideoProcess:
		return "Video Process Queue"
	case QueueVideoEncode:
		return "Video Encode Queue"
	default:
		return "Queue"
	}
}

// IsCopy reports whether timestamps recorded on this queue class need the
// copy query heap.
func (t QueueType) IsCopy() bool {
	return t == QueueCopy
}

// CommandBuffer is a command list being recorded by the application.
type CommandBuffer interface {
	QueueType() QueueType
}

// Queue is a hardware queue command buffers are submitted to.
type Queue interface {
	Type() QueueType
	// Name returns the debug name of the queue, empty when unset.
	Name() string
	// ClockCalibration samples the queue timestamp counter and the CPU clock
	// at the same instant.
	ClockCalibration() (gpuTicks, cpuTicks uint64, err error)
	TimestampFrequency() (uint64, error)
}

type Device interface {
	CreateQueryHeap(queueType QueueType, count uint32) (QueryHeap, error)
	CreateReadbackBuffer(count uint32) (ReadbackBuffer, error)
	CreateFence(initial uint64) (Fence, error)
	// CreateResolver creates the command lists used to copy query results
	// into a readback buffer, one allocator per frame of latency, submitted
	// on queue.
	CreateResolver(queue Queue, frameLatency uint32) (Resolver, error)
}

// QueryHeap is a block of timestamp query slots.
type QueryHeap interface {
	WriteTimestamp(cmd CommandBuffer, index uint32)
	Release()
}

// ReadbackBuffer is CPU-visible memory query results get copied to. Data is
// only meaningful for ranges whose resolve fence completed.
type ReadbackBuffer interface {
	Data() []uint64
	Release()
}

type Fence interface {
	CompletedValue() uint64
	// Wait blocks until the fence reaches value.
	Wait(value uint64) error
	Release()
}

type Resolver interface {
	// Reset recycles the allocator of a latency slot and opens a new resolve
	// command list on it.
	Reset(slot uint32) error
	// Resolve records a copy of count queries starting at start into dst at
	// dstOffset.
	Resolve(heap QueryHeap, start, count uint32, dst ReadbackBuffer, dstOffset uint32) error
	// Submit closes the command list, executes it and signals fence with
	// value once it completes.
	Submit(fence Fence, value uint64) error
	Release()
}
