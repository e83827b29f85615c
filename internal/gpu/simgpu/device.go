// Package simgpu is an in-process GPU backend. Queues run command buffers
// synchronously on a virtual timeline derived from the CPU clock, which makes
// timestamps deterministic under a manual clock.
package simgpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/rtprof/internal/gpu"
	"github.com/getsentry/rtprof/internal/timeutil"
)

var ErrForeignObject = errors.New("simgpu: object was not created by this backend")

type Options struct {
	// Manual holds submitted resolves until Flush is called or a fence is
	// waited on, like a GPU falling behind.
	Manual bool
}

type Device struct {
	clock  timeutil.Clock
	manual bool

	mu      sync.Mutex
	pending []submission

	executed atomic.Uint64
}

func NewDevice(clock timeutil.Clock, opts Options) *Device {
	return &Device{clock: clock, manual: opts.Manual}
}

type submission struct {
	copies []copyOp
	fence  *Fence
	value  uint64
}

func (s submission) run() {
	for _, c := range s.copies {
		c.heap.mu.Lock()
		copy(c.dst.data[c.offset:c.offset+c.count], c.heap.slots[c.start:c.start+c.count])
		c.heap.mu.Unlock()
	}
	s.fence.signal(s.value)
}

func (d *Device) submit(s submission) {
	if !d.manual {
		s.run()
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, s)
	d.mu.Unlock()
}

// Flush completes every pending submission.
func (d *Device) Flush() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, s := range pending {
		s.run()
	}
}

// Pending returns the number of submissions waiting for Flush.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Executed returns the number of command buffers run on any queue.
func (d *Device) Executed() uint64 {
	return d.executed.Load()
}

func (d *Device) CreateQueryHeap(queueType gpu.QueueType, count uint32) (gpu.QueryHeap, error) {
	if count == 0 {
		return nil, fmt.Errorf("simgpu: query heap needs at least one slot")
	}
	return &QueryHeap{slots: make([]uint64, count)}, nil
}

func (d *Device) CreateReadbackBuffer(count uint32) (gpu.ReadbackBuffer, error) {
	return &ReadbackBuffer{data: make([]uint64, count)}, nil
}

func (d *Device) CreateFence(initial uint64) (gpu.Fence, error) {
	f := &Fence{device: d}
	f.value.Store(initial)
	return f, nil
}

func (d *Device) CreateResolver(queue gpu.Queue, frameLatency uint32) (gpu.Resolver, error) {
	if _, ok := queue.(*Queue); !ok {
		return nil, ErrForeignObject
	}
	return &Resolver{device: d, slots: frameLatency}, nil
}

// NewQueue creates a queue whose timestamp counter runs at frequency and
// reads offset when the CPU clock reads zero.
func (d *Device) NewQueue(typ gpu.QueueType, name string, frequency, offset uint64) *Queue {
	return &Queue{
		device:    d,
		typ:       typ,
		name:      name,
		frequency: frequency,
		offset:    offset,
	}
}

func (d *Device) NewCommandBuffer(typ gpu.QueueType) *CommandBuffer {
	return &CommandBuffer{typ: typ}
}

type Queue struct {
	device    *Device
	typ       gpu.QueueType
	name      string
	frequency uint64
	offset    uint64

	mu     sync.Mutex
	cursor uint64
}

func (q *Queue) Type() gpu.QueueType {
	return q.typ
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) toGPU(cpuTicks uint64) uint64 {
	return q.offset + timeutil.MulDiv(cpuTicks, q.frequency, q.device.clock.Frequency())
}

func (q *Queue) ClockCalibration() (uint64, uint64, error) {
	cpu := q.device.clock.Ticks()
	return q.toGPU(cpu), cpu, nil
}

func (q *Queue) TimestampFrequency() (uint64, error) {
	return q.frequency, nil
}

// Execute runs the command buffers in order. The queue timeline starts at
// the current CPU time or where the previous submission ended, whichever is
// later.
func (q *Queue) Execute(cmds ...*CommandBuffer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if now := q.toGPU(q.device.clock.Ticks()); now > q.cursor {
		q.cursor = now
	}
	for _, c := range cmds {
		for _, o := range c.ops {
			switch {
			case o.heap != nil:
				o.heap.mu.Lock()
				o.heap.slots[o.index] = q.cursor
				o.heap.mu.Unlock()
			default:
				q.cursor += timeutil.DurationToTicks(o.work, q.frequency)
			}
		}
		q.device.executed.Add(1)
	}
}

type op struct {
	heap  *QueryHeap
	index uint32
	work  time.Duration
}

// CommandBuffer records timestamp writes and simulated work.
type CommandBuffer struct {
	typ gpu.QueueType
	ops []op
}

func (c *CommandBuffer) QueueType() gpu.QueueType {
	return c.typ
}

// Work makes the queue busy for d when the command buffer executes.
func (c *CommandBuffer) Work(d time.Duration) {
	c.ops = append(c.ops, op{work: d})
}

func (c *CommandBuffer) Reset() {
	c.ops = c.ops[:0]
}

type QueryHeap struct {
	mu        sync.Mutex
	slots     []uint64
	released  atomic.Bool
}

func (h *QueryHeap) WriteTimestamp(cmd gpu.CommandBuffer, index uint32) {
	c, ok := cmd.(*CommandBuffer)
	if !ok || index >= uint32(len(h.slots)) {
		return
	}
	c.ops = append(c.ops, op{heap: h, index: index})
}

func (h *QueryHeap) Release() {
	h.released.Store(true)
}

func (h *QueryHeap) Released() bool {
	return h.released.Load()
}

type ReadbackBuffer struct {
	data []uint64
}

func (b *ReadbackBuffer) Data() []uint64 {
	return b.data
}

func (b *ReadbackBuffer) Release() {}

type Fence struct {
	device *Device
	value  atomic.Uint64
}

func (f *Fence) signal(v uint64) {
	for {
		cur := f.value.Load()
		if v <= cur || f.value.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (f *Fence) CompletedValue() uint64 {
	return f.value.Load()
}

// Wait flushes the device when the fence is behind: the simulated GPU only
// makes progress when someone waits on it.
func (f *Fence) Wait(value uint64) error {
	if f.value.Load() >= value {
		return nil
	}
	f.device.Flush()
	if got := f.value.Load(); got < value {
		return fmt.Errorf("simgpu: fence at %d can't reach %d, nothing left to execute", got, value)
	}
	return nil
}

func (f *Fence) Release() {}

type copyOp struct {
	heap   *QueryHeap
	dst    *ReadbackBuffer
	start  uint32
	count  uint32
	offset uint32
}

type Resolver struct {
	device *Device
	slots  uint32

	mu     sync.Mutex
	open   bool
	copies []copyOp
}

func (r *Resolver) Reset(slot uint32) error {
	if slot >= r.slots {
		return fmt.Errorf("simgpu: resolver slot %d out of %d", slot, r.slots)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = true
	r.copies = nil
	return nil
}

func (r *Resolver) Resolve(heap gpu.QueryHeap, start, count uint32, dst gpu.ReadbackBuffer, dstOffset uint32) error {
	h, ok := heap.(*QueryHeap)
	if !ok {
		return ErrForeignObject
	}
	b, ok := dst.(*ReadbackBuffer)
	if !ok {
		return ErrForeignObject
	}
	if start+count > uint32(len(h.slots)) || dstOffset+count > uint32(len(b.data)) {
		return fmt.Errorf("simgpu: resolve of %d queries at %d out of bounds", count, start)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return errors.New("simgpu: resolve recorded on a closed command list")
	}
	r.copies = append(r.copies, copyOp{heap: h, dst: b, start: start, count: count, offset: dstOffset})
	return nil
}

func (r *Resolver) Submit(fence gpu.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok {
		return ErrForeignObject
	}
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return errors.New("simgpu: submitting a closed command list")
	}
	s := submission{copies: r.copies, fence: f, value: value}
	r.copies = nil
	r.open = false
	r.mu.Unlock()
	r.device.submit(s)
	return nil
}

func (r *Resolver) Release() {}
