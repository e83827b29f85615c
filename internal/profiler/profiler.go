// Package profiler ties the CPU recorder, the GPU recorder and the present
// tracker to a single frame clock and exposes their shared history.
package profiler

import (
	"errors"
	"fmt"

	"github.com/getsentry/rtprof/internal/assertutil"
	"github.com/getsentry/rtprof/internal/cpuprof"
	"github.com/getsentry/rtprof/internal/gpu"
	"github.com/getsentry/rtprof/internal/gpuprof"
	"github.com/getsentry/rtprof/internal/present"
	"github.com/getsentry/rtprof/internal/timeutil"
)

var ErrInvalidConfig = errors.New("profiler: invalid config")

type Config struct {
	HistorySize          uint32
	FrameLatency         uint32
	MaxEventsPerFrame    uint32
	MaxQueriesPerHeap    uint32
	ScratchBytesPerFrame int
	MainThreadID         uint64
	Clock                timeutil.Clock
	Reporter             *assertutil.Reporter
	CPUCallbacks         cpuprof.Callbacks
	GPUCallbacks         gpuprof.Callbacks
}

func (c Config) withDefaults() Config {
	if c.HistorySize == 0 {
		c.HistorySize = cpuprof.DefaultHistorySize
	}
	if c.FrameLatency == 0 {
		c.FrameLatency = gpuprof.DefaultFrameLatency
	}
	if c.Clock == nil {
		c.Clock = timeutil.NewMonotonicClock()
	}
	if c.Reporter == nil {
		c.Reporter = assertutil.NewReporter(nil)
	}
	return c
}

type Stats struct {
	Frame   uint32        `json:"frame"`
	Paused  bool          `json:"paused"`
	CPU     cpuprof.Stats `json:"cpu"`
	GPU     gpuprof.Stats `json:"gpu"`
	Present present.Stats `json:"present"`
	Tracks  int           `json:"tracks"`
}

// Profiler must be ticked from the frame thread. Recording may happen from
// any registered thread.
type Profiler struct {
	cfg     Config
	cpu     *cpuprof.Recorder
	gpu     *gpuprof.Recorder
	present *present.Tracker
}

func New(cfg Config) (*Profiler, error) {
	cfg = cfg.withDefaults()
	if cfg.HistorySize <= cfg.FrameLatency {
		return nil, fmt.Errorf("%w: history size %d must exceed frame latency %d", ErrInvalidConfig, cfg.HistorySize, cfg.FrameLatency)
	}
	cpu, err := cpuprof.New(cpuprof.Config{
		HistorySize:          cfg.HistorySize,
		MaxEventsPerFrame:    cfg.MaxEventsPerFrame,
		ScratchBytesPerFrame: cfg.ScratchBytesPerFrame,
		MainThreadID:         cfg.MainThreadID,
		Clock:                cfg.Clock,
		Reporter:             cfg.Reporter,
		Callbacks:            cfg.CPUCallbacks,
	})
	if err != nil {
		return nil, err
	}
	return &Profiler{
		cfg: cfg,
		cpu: cpu,
		present: present.New(present.Config{
			Sink:     cpu,
			Clock:    cfg.Clock,
			Reporter: cfg.Reporter,
		}),
	}, nil
}

// InitializeGPU starts GPU profiling on queues. It can only be called once.
func (p *Profiler) InitializeGPU(device gpu.Device, queues []gpu.Queue) error {
	if p.gpu != nil {
		return fmt.Errorf("%w: gpu already initialized", ErrInvalidConfig)
	}
	g, err := gpuprof.New(gpuprof.Config{
		Device:            device,
		Queues:            queues,
		HistorySize:       p.cfg.HistorySize,
		FrameLatency:      p.cfg.FrameLatency,
		MaxQueriesPerHeap: p.cfg.MaxQueriesPerHeap,
		Sink:              p.cpu,
		Clock:             p.cfg.Clock,
		Reporter:          p.cfg.Reporter,
		Callbacks:         p.cfg.GPUCallbacks,
	})
	if err != nil {
		return err
	}
	p.gpu = g
	return nil
}

func (p *Profiler) Shutdown() {
	if p.gpu != nil {
		p.gpu.Shutdown()
	}
}

func (p *Profiler) CPU() *cpuprof.Recorder {
	return p.cpu
}

// GPU returns nil until InitializeGPU succeeded.
func (p *Profiler) GPU() *gpuprof.Recorder {
	return p.gpu
}

func (p *Profiler) Clock() timeutil.Clock {
	return p.cfg.Clock
}

// Present records a present of the current frame on sc.
func (p *Profiler) Present(sc gpu.SwapChain) {
	p.present.Present(sc, p.cpu.FrameIndex())
}

// Tick ends the current frame on every recorder. It blocks when the GPU is
// more than FrameLatency frames behind.
func (p *Profiler) Tick() {
	p.cpu.Tick()
	if p.gpu != nil {
		p.gpu.Tick()
	}
}

// SetPaused takes effect on the next Tick.
func (p *Profiler) SetPaused(paused bool) {
	p.cpu.SetPaused(paused)
	if p.gpu != nil {
		p.gpu.SetPaused(paused)
	}
}

func (p *Profiler) IsPaused() bool {
	return p.cpu.IsPaused()
}

func (p *Profiler) History() *History {
	return &History{p: p}
}

func (p *Profiler) Stats() Stats {
	s := Stats{
		Frame:   p.cpu.FrameIndex(),
		Paused:  p.cpu.IsPaused(),
		CPU:     p.cpu.Stats(),
		Present: p.present.Stats(),
		Tracks:  len(p.cpu.Tracks()),
	}
	if p.gpu != nil {
		s.GPU = p.gpu.Stats()
	}
	return s
}
