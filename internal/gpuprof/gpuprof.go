// Package gpuprof records timed regions on GPU command buffers with
// timestamp queries, resolves them a few frames later and forwards them,
// converted to CPU ticks, into the shared history.
package gpuprof

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/getsentry/rtprof/internal/assertutil"
	"github.com/getsentry/rtprof/internal/errorutil"
	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/gpu"
	"github.com/getsentry/rtprof/internal/scratch"
	"github.com/getsentry/rtprof/internal/timeutil"
)

const (
	DefaultFrameLatency      = 3
	DefaultMaxQueriesPerHeap = 4096

	maxEventsPerFrame = uint32(endMarker) - 1
	maxQueues         = int(event.NoQueue)
)

var ErrInvalidConfig = errors.New("gpuprof: invalid config")

// Sink receives read back events and owns the tracks they're stored in.
type Sink interface {
	RegisterTrack(name string, typ event.TrackType, id uint64) *event.Track
	AddEvent(track uint16, e event.Event, frame uint32) bool
}

type Callbacks struct {
	OnEventBegin func(cmd gpu.CommandBuffer, name string)
	OnEventEnd   func(cmd gpu.CommandBuffer)
}

type Config struct {
	Device gpu.Device
	Queues []gpu.Queue
	// HistorySize must match the sink's and be larger than FrameLatency.
	HistorySize uint32
	// FrameLatency is the number of frames the GPU may run behind before
	// Tick blocks on it.
	FrameLatency      uint32
	MaxQueriesPerHeap uint32
	Sink              Sink
	Clock             timeutil.Clock
	Reporter          *assertutil.Reporter
	Callbacks         Callbacks
}

func (c Config) withDefaults() Config {
	if c.FrameLatency == 0 {
		c.FrameLatency = DefaultFrameLatency
	}
	if c.HistorySize == 0 {
		c.HistorySize = 32
	}
	if c.MaxQueriesPerHeap == 0 {
		c.MaxQueriesPerHeap = DefaultMaxQueriesPerHeap
	}
	if c.Clock == nil {
		c.Clock = timeutil.NewMonotonicClock()
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.Device == nil:
		return fmt.Errorf("%w: no device", ErrInvalidConfig)
	case c.Sink == nil:
		return fmt.Errorf("%w: no sink", ErrInvalidConfig)
	case len(c.Queues) == 0 || len(c.Queues) > maxQueues:
		return fmt.Errorf("%w: %d queues", ErrInvalidConfig, len(c.Queues))
	case c.HistorySize <= c.FrameLatency:
		return fmt.Errorf("%w: history size %d must exceed frame latency %d", ErrInvalidConfig, c.HistorySize, c.FrameLatency)
	case c.MaxQueriesPerHeap < 2 || c.MaxQueriesPerHeap > MaxQueries:
		return fmt.Errorf("%w: %d queries per heap", ErrInvalidConfig, c.MaxQueriesPerHeap)
	}
	return nil
}

type QueueInfo struct {
	Name        string
	Type        gpu.QueueType
	Index       uint8
	TrackIndex  uint16
	Calibration timeutil.Calibration

	queue gpu.Queue
	heap  *QueryHeap
}

type queryPair struct {
	begin uint16
	end   uint16
}

var invalidPair = queryPair{begin: InvalidQuery, end: InvalidQuery}

func (p queryPair) valid() bool {
	return p.begin != InvalidQuery && p.end != InvalidQuery
}

type queueRange struct {
	offset uint32
	count  uint32
}

type frameData struct {
	frame     uint32
	events    []event.Event
	numEvents uint32
	arena     *scratch.Arena
	ranges    []queueRange
}

type markerStack struct {
	data [event.MaxStackDepth]marker
	size uint32
}

func (s *markerStack) push(m marker) {
	if s.size < event.MaxStackDepth {
		s.data[s.size] = m
	}
	s.size++
}

func (s *markerStack) pop() (marker, bool) {
	if s.size == 0 {
		return marker{}, false
	}
	s.size--
	if s.size >= event.MaxStackDepth {
		return marker{query: InvalidQuery, event: invalidEvent}, true
	}
	return s.data[s.size], true
}

type Stats struct {
	DroppedEvents         uint64 `json:"dropped_events"`
	DroppedQueries        uint64 `json:"dropped_queries"`
	BacklogWaits          uint64 `json:"backlog_waits"`
	UnterminatedRegions   uint64 `json:"unterminated_regions"`
	UnsubmittedRecordings uint64 `json:"unsubmitted_recordings"`
	MismatchedBatches     uint64 `json:"mismatched_batches"`
	ReadbackFrames        uint64 `json:"readback_frames"`
}

type Recorder struct {
	cfg      Config
	reporter *assertutil.Reporter
	sink     Sink

	heaps      []*QueryHeap
	queues     []*QueueInfo
	queueIndex map[gpu.Queue]uint8

	eventCapacity uint32
	frames        []frameData
	queries       [][]queryPair
	pool          *scratch.Pool
	recs          recordings

	submitMu sync.Mutex
	stacks   []markerStack

	eventIndex      atomic.Uint32
	frameIndex      atomic.Uint32
	frameToReadback atomic.Uint32
	paused          atomic.Bool
	queuedPaused    atomic.Bool

	droppedEvents         atomic.Uint64
	unterminatedRegions   atomic.Uint64
	unsubmittedRecordings atomic.Uint64
	mismatchedBatches     atomic.Uint64
	readbackFrames        atomic.Uint64
}

func New(cfg Config) (*Recorder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Recorder{
		cfg:        cfg,
		reporter:   cfg.Reporter,
		sink:       cfg.Sink,
		queueIndex: make(map[gpu.Queue]uint8, len(cfg.Queues)),
		pool:       scratch.NewPool(scratch.DefaultPageSize),
		stacks:     make([]markerStack, len(cfg.Queues)),
	}

	var general, copyHeap *QueryHeap
	for i, q := range cfg.Queues {
		var heap **QueryHeap
		if q.Type().IsCopy() {
			heap = &copyHeap
		} else {
			heap = &general
		}
		if *heap == nil {
			h, err := newQueryHeap(cfg.Device, q, cfg.MaxQueriesPerHeap, cfg.FrameLatency, cfg.Reporter)
			if err != nil {
				r.Shutdown()
				return nil, err
			}
			*heap = h
			r.heaps = append(r.heaps, h)
		}

		info, err := r.newQueueInfo(q, uint8(i), *heap)
		if err != nil {
			r.Shutdown()
			return nil, err
		}
		r.queues = append(r.queues, info)
		r.queueIndex[q] = uint8(i)
	}

	var totalQueries uint32
	for _, h := range r.heaps {
		totalQueries += h.maxQueries
	}
	r.eventCapacity = min(totalQueries/2, maxEventsPerFrame)

	r.frames = make([]frameData, cfg.HistorySize)
	for i := range r.frames {
		r.frames[i] = frameData{
			events: make([]event.Event, r.eventCapacity),
			ranges: make([]queueRange, len(r.queues)),
		}
	}
	r.frames[0].arena = r.pool.Arena(0)

	r.queries = make([][]queryPair, cfg.FrameLatency)
	for i := range r.queries {
		pairs := make([]queryPair, r.eventCapacity)
		for j := range pairs {
			pairs[j] = invalidPair
		}
		r.queries[i] = pairs
	}
	return r, nil
}

func (r *Recorder) newQueueInfo(q gpu.Queue, index uint8, heap *QueryHeap) (*QueueInfo, error) {
	gpuTicks, cpuTicks, err := q.ClockCalibration()
	if err != nil {
		return nil, fmt.Errorf("gpuprof: %w: clock calibration: %v", errorutil.ErrBackend, err)
	}
	frequency, err := q.TimestampFrequency()
	if err != nil {
		return nil, fmt.Errorf("gpuprof: %w: timestamp frequency: %v", errorutil.ErrBackend, err)
	}
	name := q.Name()
	if name == "" {
		name = q.Type().DefaultName()
	}
	track := r.sink.RegisterTrack(name, event.TrackGPU, uint64(index))
	return &QueueInfo{
		Name:       name,
		Type:       q.Type(),
		Index:      index,
		TrackIndex: track.Index,
		Calibration: timeutil.Calibration{
			GPUTicks:     gpuTicks,
			CPUTicks:     cpuTicks,
			GPUFrequency: frequency,
			CPUFrequency: r.cfg.Clock.Frequency(),
		},
		queue: q,
		heap:  heap,
	}, nil
}

func (r *Recorder) Shutdown() {
	for _, h := range r.heaps {
		h.Release()
	}
	r.heaps = nil
}

func (r *Recorder) heapFor(t gpu.QueueType) *QueryHeap {
	for _, q := range r.queues {
		if q.Type.IsCopy() == t.IsCopy() {
			return q.heap
		}
	}
	return nil
}

// Open starts tracking the profiling markers of cmd. The handle is released
// by NotifySubmitted or Discard.
func (r *Recorder) Open(cmd gpu.CommandBuffer) Recording {
	return r.recs.open(cmd)
}

// Discard releases a handle whose command buffer won't be submitted.
func (r *Recorder) Discard(h Recording) {
	if _, _, err := r.recs.take(h); err != nil {
		r.reporter.Fatal(err)
	}
}

// BeginEvent records the start of a region on the recording's command
// buffer. A zero color picks one from the name.
func (r *Recorder) BeginEvent(h Recording, name string, color uint32, file string, line uint32) {
	st, err := r.recs.get(h)
	if err != nil {
		r.reporter.Fatal(err)
		return
	}
	if cb := r.cfg.Callbacks.OnEventBegin; cb != nil {
		cb(st.cmd, name)
	}
	if r.paused.Load() {
		return
	}

	heap := r.heapFor(st.cmd.QueueType())
	if heap == nil {
		r.reporter.Fatal(fmt.Errorf("gpuprof: %w: no %s registered", errorutil.ErrUsage, st.cmd.QueueType().DefaultName()))
		st.markers = append(st.markers, marker{query: InvalidQuery, event: invalidEvent})
		return
	}

	idx := r.eventIndex.Add(1) - 1
	if idx >= r.eventCapacity {
		r.droppedEvents.Add(1)
		r.reporter.Once("gpuprof.events", fmt.Errorf("gpuprof: %w: more than %d gpu events in a frame", errorutil.ErrCapacityExhausted, r.eventCapacity))
		st.markers = append(st.markers, marker{query: InvalidQuery, event: invalidEvent})
		return
	}

	fd := &r.frames[r.frameIndex.Load()%r.cfg.HistorySize]
	if color == 0 {
		color = event.ColorFromString(name, event.GPUHueMin, event.GPUHueMax)
	}
	fd.events[idx] = event.Event{
		Name:       fd.arena.String(name),
		File:       fd.arena.String(file),
		Line:       line,
		Color:      color,
		QueueIndex: event.NoQueue,
	}
	st.markers = append(st.markers, marker{query: heap.RecordQuery(st.cmd), event: uint16(idx)})
}

// EndEvent records the end of the innermost region of the recording.
func (r *Recorder) EndEvent(h Recording) {
	st, err := r.recs.get(h)
	if err != nil {
		r.reporter.Fatal(err)
		return
	}
	if cb := r.cfg.Callbacks.OnEventEnd; cb != nil {
		cb(st.cmd)
	}
	if r.paused.Load() {
		return
	}

	query := InvalidQuery
	if heap := r.heapFor(st.cmd.QueueType()); heap != nil {
		query = heap.RecordQuery(st.cmd)
	}
	st.markers = append(st.markers, marker{query: query, event: endMarker})
}

func (r *Recorder) Begin(h Recording, name string) {
	r.BeginEvent(h, name, 0, "", 0)
}

func (r *Recorder) End(h Recording) {
	r.EndEvent(h)
}

// NotifySubmitted must be called when the recordings' command buffers are
// submitted to queue, in submission order. It pairs Begin and End markers,
// assigns queue and depth to the events and releases the handles. Every
// region opened in the batch must be closed in the batch. A batch holding a
// command buffer of the other queue class is reported and dropped.
func (r *Recorder) NotifySubmitted(queue gpu.Queue, handles ...Recording) {
	r.submitMu.Lock()
	defer r.submitMu.Unlock()

	qi, known := r.queueIndex[queue]
	if !known {
		for _, h := range handles {
			_, _, _ = r.recs.take(h)
		}
		r.reporter.Fatal(fmt.Errorf("gpuprof: %w: submission to a queue the profiler wasn't initialized with", errorutil.ErrUsage))
		return
	}

	info := r.queues[qi]
	batch := make([][]marker, 0, len(handles))
	var mismatched gpu.CommandBuffer
	for _, h := range handles {
		cmd, markers, err := r.recs.take(h)
		if err != nil {
			r.reporter.Fatal(err)
			continue
		}
		if cmd.QueueType().IsCopy() != info.Type.IsCopy() {
			mismatched = cmd
		}
		batch = append(batch, markers)
	}
	// Timestamps of a mismatched command buffer live in the other heap, so
	// none of the batch can be paired. Its events stay unassigned and are
	// cleared at readback.
	if mismatched != nil {
		r.mismatchedBatches.Add(1)
		r.reporter.Recoverable(fmt.Errorf("gpuprof: %w: %s command buffer submitted to %q", errorutil.ErrUsage, mismatched.QueueType().DefaultName(), info.Name))
		return
	}

	frame := r.frameIndex.Load()
	fd := &r.frames[frame%r.cfg.HistorySize]
	pairs := r.queries[frame%r.cfg.FrameLatency]
	stack := &r.stacks[qi]

	for _, markers := range batch {
		for _, m := range markers {
			if m.event != endMarker {
				stack.push(m)
				continue
			}
			begin, ok := stack.pop()
			if !ok {
				r.reporter.Fatal(fmt.Errorf("gpuprof: %w: EndEvent without a matching BeginEvent on %q", errorutil.ErrUsage, info.Name))
				continue
			}
			if begin.event == invalidEvent {
				continue
			}
			pairs[begin.event] = queryPair{begin: begin.query, end: m.query}
			e := &fd.events[begin.event]
			e.QueueIndex = qi
			e.TrackIndex = info.TrackIndex
			e.Depth = uint8(min(stack.size, 255))
		}
	}

	if stack.size != 0 {
		r.unterminatedRegions.Add(uint64(stack.size))
		err := fmt.Errorf("gpuprof: %w: %d region(s) still open on %q at the end of a submission", errorutil.ErrUsage, stack.size, info.Name)
		stack.size = 0
		r.reporter.Fatal(err)
	}
}

// Tick must be called once per frame, after the CPU recorder's Tick. It
// reads back completed frames, resolves the current one and opens the next.
// It blocks when the GPU is more than FrameLatency frames behind.
func (r *Recorder) Tick() {
	frame := r.frameIndex.Load()
	fd := &r.frames[frame%r.cfg.HistorySize]
	fd.frame = frame
	fd.numEvents = min(r.eventIndex.Load(), r.eventCapacity)

	r.readbackCompleted(frame)

	paused := r.queuedPaused.Load()
	r.paused.Store(paused)
	if paused {
		return
	}

	if n := r.recs.dropPending(); n > 0 {
		r.unsubmittedRecordings.Add(uint64(n))
		r.reporter.Fatal(fmt.Errorf("gpuprof: %w: %d command buffer(s) recorded profiling events in frame %d but were never submitted", errorutil.ErrUsage, n, frame))
	}

	for _, h := range r.heaps {
		h.Resolve(frame)
	}
	next := frame + 1
	for _, h := range r.heaps {
		h.Reset(next)
	}
	// The wait in Reset may have completed frames whose pairs are about to be
	// overwritten by the next frame.
	r.readbackCompleted(next)

	nfd := &r.frames[next%r.cfg.HistorySize]
	nfd.frame = next
	nfd.numEvents = 0
	nfd.arena = r.pool.Arena(next)
	clear(nfd.ranges)
	if next >= r.cfg.HistorySize {
		r.pool.Evict(next - r.cfg.HistorySize)
	}

	r.eventIndex.Store(0)
	r.frameIndex.Store(next)
}

func (r *Recorder) readbackCompleted(limit uint32) {
	for {
		f := r.frameToReadback.Load()
		if f >= limit {
			return
		}
		for _, h := range r.heaps {
			if !h.IsFrameComplete(f) {
				return
			}
		}
		r.readback(f)
		r.frameToReadback.Store(f + 1)
	}
}

func (r *Recorder) readback(frame uint32) {
	fd := &r.frames[frame%r.cfg.HistorySize]
	pairs := r.queries[frame%r.cfg.FrameLatency]
	events := fd.events[:fd.numEvents]

	for i := range events {
		e := &events[i]
		p := pairs[i]
		pairs[i] = invalidPair
		if e.QueueIndex == event.NoQueue || !p.valid() {
			e.TicksBegin, e.TicksEnd = 0, 0
			e.QueueIndex = event.NoQueue
			continue
		}
		q := r.queues[e.QueueIndex]
		data := q.heap.QueryData(frame)
		e.TicksBegin = q.Calibration.ToCPU(data[p.begin])
		e.TicksEnd = q.Calibration.ToCPU(data[p.end])
		r.sink.AddEvent(q.TrackIndex, *e, frame)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].QueueIndex < events[j].QueueIndex
	})
	clear(fd.ranges)
	for i, e := range events {
		if e.QueueIndex == event.NoQueue {
			break
		}
		rg := &fd.ranges[e.QueueIndex]
		if rg.count == 0 {
			rg.offset = uint32(i)
		}
		rg.count++
	}
	r.readbackFrames.Add(1)
}

// QueueEvents returns the read back events of queue during frame, or nil
// when the frame isn't read back yet or was overwritten.
func (r *Recorder) QueueEvents(frame uint32, queue uint8) []event.Event {
	if frame >= r.frameToReadback.Load() || int(queue) >= len(r.queues) {
		return nil
	}
	fd := &r.frames[frame%r.cfg.HistorySize]
	if fd.frame != frame {
		return nil
	}
	rg := fd.ranges[queue]
	return fd.events[rg.offset : rg.offset+rg.count]
}

func (r *Recorder) Queues() []QueueInfo {
	infos := make([]QueueInfo, len(r.queues))
	for i, q := range r.queues {
		infos[i] = *q
	}
	return infos
}

func (r *Recorder) FrameIndex() uint32 {
	return r.frameIndex.Load()
}

// FrameToReadback is the oldest frame whose GPU data isn't available yet.
func (r *Recorder) FrameToReadback() uint32 {
	return r.frameToReadback.Load()
}

// SetPaused takes effect on the next Tick.
func (r *Recorder) SetPaused(paused bool) {
	r.queuedPaused.Store(paused)
}

func (r *Recorder) IsPaused() bool {
	return r.paused.Load()
}

func (r *Recorder) Stats() Stats {
	s := Stats{
		DroppedEvents:         r.droppedEvents.Load(),
		UnterminatedRegions:   r.unterminatedRegions.Load(),
		UnsubmittedRecordings: r.unsubmittedRecordings.Load(),
		MismatchedBatches:     r.mismatchedBatches.Load(),
		ReadbackFrames:        r.readbackFrames.Load(),
	}
	for _, h := range r.heaps {
		s.DroppedQueries += h.droppedQueries.Load()
		s.BacklogWaits += h.backlogWaits.Load()
	}
	return s
}

// OpenRecordings returns the number of handles not yet submitted or
// discarded.
func (r *Recorder) OpenRecordings() int {
	return r.recs.live()
}

// HeapUsage returns the number of queries recorded so far this frame, per
// heap.
func (r *Recorder) HeapUsage() []uint32 {
	usage := make([]uint32, len(r.heaps))
	for i, h := range r.heaps {
		usage[i] = h.Used()
	}
	return usage
}
