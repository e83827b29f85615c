package profiler

import (
	"errors"
	"testing"
	"time"

	"github.com/getsentry/rtprof/internal/assertutil"
	"github.com/getsentry/rtprof/internal/cpuprof"
	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/gpu"
	"github.com/getsentry/rtprof/internal/gpu/simgpu"
	"github.com/getsentry/rtprof/internal/present"
	"github.com/getsentry/rtprof/internal/testutil"
	"github.com/getsentry/rtprof/internal/timeutil"
)

type fixture struct {
	clock     *timeutil.ManualClock
	device    *simgpu.Device
	queue     *simgpu.Queue
	profiler  *Profiler
	collector *assertutil.Collector
}

func newFixture(t *testing.T, history, latency uint32, manual bool) *fixture {
	t.Helper()
	f := &fixture{clock: timeutil.NewManualClock(1_000, 1_000_000)}
	reporter, collector := assertutil.NewCollector()
	f.collector = collector
	p, err := New(Config{
		HistorySize:  history,
		FrameLatency: latency,
		Clock:        f.clock,
		Reporter:     reporter,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.device = simgpu.NewDevice(f.clock, simgpu.Options{Manual: manual})
	f.queue = f.device.NewQueue(gpu.QueueDirect, "", 1_000_000, 0)
	if err := p.InitializeGPU(f.device, []gpu.Queue{f.queue}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.profiler = p
	return f
}

// gpuWork records a single GPU region and submits it.
func (f *fixture) gpuWork(name string, d time.Duration) {
	g := f.profiler.GPU()
	cmd := f.device.NewCommandBuffer(gpu.QueueDirect)
	h := g.Open(cmd)
	g.Begin(h, name)
	cmd.Work(d)
	g.End(h)
	f.queue.Execute(cmd)
	g.NotifySubmitted(f.queue, h)
}

func names(events []event.Event) []string {
	s := make([]string, 0, len(events))
	for _, e := range events {
		s = append(s, e.Name)
	}
	return s
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "history equal to latency", cfg: Config{HistorySize: 3, FrameLatency: 3}, wantErr: true},
		{name: "history smaller than latency", cfg: Config{HistorySize: 2, FrameLatency: 4}, wantErr: true},
		{name: "smallest valid history", cfg: Config{HistorySize: 2, FrameLatency: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if tt.wantErr != errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("got error %v, want error %v", err, tt.wantErr)
			}
		})
	}
}

func TestInitializeGPUTwice(t *testing.T) {
	f := newFixture(t, 8, 2, false)
	err := f.profiler.InitializeGPU(f.device, []gpu.Queue{f.queue})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v, want %v", err, ErrInvalidConfig)
	}
}

func TestFrameRangeWaitsForGPU(t *testing.T) {
	f := newFixture(t, 8, 3, true)
	f.gpuWork("Draw", time.Millisecond)
	f.profiler.Tick()
	f.profiler.Tick()

	h := f.profiler.History()
	if begin, end := h.FrameRange(); begin != 0 || end != 0 {
		t.Fatalf("got range [%d, %d), want nothing before the GPU completes", begin, end)
	}

	f.device.Flush()
	f.profiler.Tick()
	if begin, end := h.FrameRange(); begin != 0 || end != 2 {
		t.Fatalf("got range [%d, %d), want [0, 2)", begin, end)
	}
	gpuTrack := f.profiler.GPU().Queues()[0].TrackIndex
	if diff := testutil.Diff(names(h.Events(gpuTrack, 0)), []string{"Draw"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestRingRotation(t *testing.T) {
	f := newFixture(t, 4, 2, false)
	main := f.profiler.CPU().MainThread()
	for i := 0; i < 6; i++ {
		main.Begin("Update")
		f.clock.Advance(10)
		main.End()
		f.gpuWork("Draw", time.Microsecond)
		f.profiler.Tick()
	}

	h := f.profiler.History()
	begin, end := h.FrameRange()
	if begin != 3 || end != 6 {
		t.Fatalf("got range [%d, %d), want [3, 6)", begin, end)
	}
	track := main.Track().Index
	if got := h.Raw(track, 2).Frame(); got != 6 {
		t.Fatalf("got frame %d in the slot of frame 2, want it reused by 6", got)
	}
	if events := h.Events(track, 2); events != nil {
		t.Fatalf("got %d events for an overwritten frame", len(events))
	}
	want := []string{cpuprof.FrameEventName, "Update"}
	if diff := testutil.Diff(names(h.Events(track, 5)), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if n := len(f.collector.Reports()); n != 0 {
		t.Fatalf("got %d unexpected reports: %+v", n, f.collector.Reports())
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	f := newFixture(t, 4, 2, false)
	worker := f.profiler.CPU().RegisterThread(7, "Worker")
	worker.Begin("Job")
	worker.End()
	f.profiler.Tick()

	snap := f.profiler.History().Snapshot()
	for i := 0; i < 4; i++ {
		worker.Begin("Other")
		worker.End()
		f.profiler.Tick()
	}

	if snap.Begin != 0 || snap.End != 1 {
		t.Fatalf("got snapshot range [%d, %d), want [0, 1)", snap.Begin, snap.End)
	}
	if diff := testutil.Diff(names(snap.Events(worker.Track().Index, 0)), []string{"Job"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if snap.Frequency() != 1_000_000 {
		t.Fatalf("got frequency %d, want 1000000", snap.Frequency())
	}
}

func TestPresentLandsOnPresentTrack(t *testing.T) {
	f := newFixture(t, 8, 2, false)
	sc := simgpu.NewSwapChain(f.clock)
	f.profiler.Tick()

	sc.Present()
	f.profiler.Present(sc)
	f.profiler.Tick()

	f.clock.Advance(16_000)
	sc.VBlank(1)
	sc.Present()
	f.profiler.Present(sc)
	f.profiler.Tick()

	f.clock.Advance(16_000)
	sc.VBlank(2)
	sc.Present()
	f.profiler.Present(sc)
	f.profiler.Tick()

	h := f.profiler.History()
	info, ok := event.TrackByName(h, present.TrackName)
	if !ok {
		t.Fatal("present track not registered")
	}
	events := h.Events(info.Index, 1)
	if len(events) != 1 {
		t.Fatalf("got %d present events, want 1", len(events))
	}
	if e := events[0]; e.Name != present.PresentName || e.TicksBegin != 17_000 || e.TicksEnd != 33_000 {
		t.Fatalf("got %+v, want a present from 17000 to 33000", e)
	}
	if got := f.profiler.Stats().Present.Displayed; got != 2 {
		t.Fatalf("got %d displayed, want 2", got)
	}
}

func TestSetPaused(t *testing.T) {
	f := newFixture(t, 8, 2, false)
	f.profiler.SetPaused(true)
	f.profiler.Tick()
	f.profiler.Tick()
	if !f.profiler.IsPaused() || f.profiler.Stats().Frame != 0 {
		t.Fatalf("got paused=%v frame=%d, want frame 0 paused", f.profiler.IsPaused(), f.profiler.Stats().Frame)
	}
	if got := f.profiler.GPU().FrameIndex(); got != 0 {
		t.Fatalf("got gpu frame %d, want 0", got)
	}
	f.profiler.SetPaused(false)
	f.profiler.Tick()
	if f.profiler.IsPaused() || f.profiler.Stats().Frame != 1 {
		t.Fatalf("got paused=%v frame=%d, want frame 1 running", f.profiler.IsPaused(), f.profiler.Stats().Frame)
	}
}

func TestSettledWaitsForPresents(t *testing.T) {
	clock := timeutil.NewManualClock(1_000, 1_000_000)
	reporter, _ := assertutil.NewCollector()
	p, err := New(Config{HistorySize: 4, FrameLatency: 2, Clock: clock, Reporter: reporter})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Frame 0 is presented but never shown.
	sc := simgpu.NewSwapChain(clock)
	sc.Present()
	p.Present(sc)

	tests := []struct {
		name  string
		ticks int
		want  uint32
	}{
		{name: "pending present holds the frame", ticks: 2, want: 0},
		{name: "oldest frame about to be evicted", ticks: 1, want: 1},
		{name: "window moved on", ticks: 2, want: 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for i := 0; i < test.ticks; i++ {
				p.Tick()
			}
			if diff := testutil.Diff(p.History().Settled(), test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}
