package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/rtprof/internal/assertutil"
	"github.com/getsentry/rtprof/internal/cpuprof"
	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/gpu"
	"github.com/getsentry/rtprof/internal/gpu/simgpu"
	"github.com/getsentry/rtprof/internal/logutil"
	"github.com/getsentry/rtprof/internal/profiler"
	"github.com/getsentry/rtprof/internal/telemetry"
	"github.com/getsentry/rtprof/internal/timeutil"
)

var errStopped = errors.New("render loop stopped")

var jobNames = []string{"Animation", "Physics", "Culling", "Audio", "Particles", "Streaming"}

type request struct {
	fn   func(p *profiler.Profiler)
	done chan struct{}
}

// renderLoop simulates a game: worker threads recording CPU regions, a
// direct and a copy queue executing GPU regions and a swapchain dropping a
// present now and then. Everything touching the profiler's history runs on
// the loop's goroutine.
type renderLoop struct {
	profiler  *profiler.Profiler
	clock     timeutil.Clock
	device    *simgpu.Device
	direct    *simgpu.Queue
	upload    *simgpu.Queue
	swapchain *simgpu.SwapChain
	workers   []*cpuprof.Thread
	collector *telemetry.Collector
	frameLog  zerolog.Logger
	dropEvery uint32
	period    time.Duration
	rng       *rand.Rand
	// spin stands for CPU work of the given length.
	spin func(time.Duration)

	requests chan request
	stopped  chan struct{}
}

// reportHandler keeps the service alive on contract violations.
func reportHandler(severity assertutil.Severity, err error) {
	sentry.CaptureException(err)
	if severity == assertutil.SeverityFatal {
		log.Error().Err(err).Msg("profiler contract violation")
		return
	}
	logutil.Sampled().Warn().Err(err).Msg("profiler degraded")
}

func newRenderLoop(cfg ServiceConfig, clock timeutil.Clock, collector *telemetry.Collector) (*renderLoop, error) {
	p, err := profiler.New(profiler.Config{
		HistorySize:       cfg.HistorySize,
		FrameLatency:      cfg.FrameLatency,
		MaxEventsPerFrame: cfg.MaxEventsPerFrame,
		MaxQueriesPerHeap: cfg.MaxQueriesPerHeap,
		Clock:             clock,
		Reporter:          assertutil.NewReporter(reportHandler),
	})
	if err != nil {
		return nil, err
	}
	fps := max(cfg.TargetFPS, 1)
	l := &renderLoop{
		profiler:  p,
		clock:     clock,
		device:    simgpu.NewDevice(clock, simgpu.Options{}),
		swapchain: simgpu.NewSwapChain(clock),
		collector: collector,
		frameLog:  logutil.FrameLogger(cfg.FrameLogLevel),
		dropEvery: cfg.DropEvery,
		period:    time.Second / time.Duration(fps),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		spin:      time.Sleep,
		requests:  make(chan request),
		stopped:   make(chan struct{}),
	}
	l.direct = l.device.NewQueue(gpu.QueueDirect, "", 25_000_000, 1_000_000)
	l.upload = l.device.NewQueue(gpu.QueueCopy, "Upload", 25_000_000, 1_000_000)
	if err := p.InitializeGPU(l.device, []gpu.Queue{l.direct, l.upload}); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.Workers; i++ {
		l.workers = append(l.workers, p.CPU().RegisterThread(uint64(i+1), fmt.Sprintf("Worker %d", i)))
	}
	return l, nil
}

func (l *renderLoop) run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.stopped)
	defer l.profiler.Shutdown()

	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.frame()
		case req := <-l.requests:
			req.fn(l.profiler)
			close(req.done)
		}
	}
}

func (l *renderLoop) jitter(base time.Duration) time.Duration {
	return base + time.Duration(l.rng.Int63n(int64(base)))
}

func (l *renderLoop) frame() {
	start := l.clock.Ticks()
	main := l.profiler.CPU().MainThread()

	done := main.Scope("Update")
	var wg sync.WaitGroup
	for i, w := range l.workers {
		cost := l.jitter(200 * time.Microsecond)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Begin(jobNames[i%len(jobNames)])
			l.spin(cost)
			w.End()
		}()
	}
	wg.Wait()
	done()

	done = main.Scope("Render")
	l.recordGPU()
	done()

	frame := l.profiler.CPU().FrameIndex()
	id := l.swapchain.Present()
	if l.dropEvery == 0 || frame%l.dropEvery != 0 {
		l.swapchain.VBlank(id)
	}
	l.profiler.Present(l.swapchain)
	l.profiler.Tick()

	stats := l.profiler.Stats()
	if l.collector != nil {
		l.collector.Update(stats)
		l.collector.ObserveFrame(timeutil.TicksToDuration(l.clock.Ticks()-start, l.clock.Frequency()).Seconds())
	}
	l.frameLog.Debug().Uint32("frame", frame).Uint64("dropped_events", stats.CPU.DroppedEvents).Msg("frame recorded")
}

func (l *renderLoop) recordGPU() {
	g := l.profiler.GPU()
	cmd := l.device.NewCommandBuffer(gpu.QueueDirect)
	h := g.Open(cmd)
	g.Begin(h, "Frame")
	for _, pass := range []struct {
		name string
		cost time.Duration
	}{
		{"Shadows", 2 * time.Millisecond},
		{"Lighting", 4 * time.Millisecond},
		{"Post", time.Millisecond},
	} {
		g.Begin(h, pass.name)
		cmd.Work(l.jitter(pass.cost))
		g.End(h)
	}
	g.End(h)
	l.direct.Execute(cmd)
	g.NotifySubmitted(l.direct, h)

	if l.profiler.CPU().FrameIndex()%4 == 0 {
		copyCmd := l.device.NewCommandBuffer(gpu.QueueCopy)
		ch := g.Open(copyCmd)
		g.Begin(ch, "Upload Textures")
		copyCmd.Work(l.jitter(500 * time.Microsecond))
		g.End(ch)
		l.upload.Execute(copyCmd)
		g.NotifySubmitted(l.upload, ch)
	}
}

// do runs fn on the loop's goroutine between two frames.
func (l *renderLoop) do(ctx context.Context, fn func(p *profiler.Profiler)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case l.requests <- req:
	case <-l.stopped:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *renderLoop) snapshot(ctx context.Context) (*event.Snapshot, error) {
	var snap *event.Snapshot
	err := l.do(ctx, func(p *profiler.Profiler) {
		snap = p.History().Snapshot()
	})
	return snap, err
}
