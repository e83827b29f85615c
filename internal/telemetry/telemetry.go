// Package telemetry exposes profiler counters to Prometheus.
package telemetry

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/getsentry/rtprof/internal/profiler"
)

// Collector implements prometheus.Collector over the last stats published
// by the frame thread. Update is cheap enough to call every frame.
type Collector struct {
	stats atomic.Pointer[profiler.Stats]

	frameDuration prometheus.Histogram

	frameDesc      *prometheus.Desc
	pausedDesc     *prometheus.Desc
	tracksDesc     *prometheus.Desc
	droppedDesc    *prometheus.Desc
	leakedDesc     *prometheus.Desc
	backlogDesc    *prometheus.Desc
	unmatchedDesc  *prometheus.Desc
	readbackDesc   *prometheus.Desc
	presentsDesc   *prometheus.Desc
	presentErrDesc *prometheus.Desc
}

func NewCollector() *Collector {
	return &Collector{
		frameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtprof_frame_duration_seconds",
			Help:    "Duration of the CPU frame on the main thread.",
			Buckets: []float64{0.004, 0.008, 0.0166, 0.0333, 0.05, 0.1, 0.25},
		}),
		frameDesc: prometheus.NewDesc(
			"rtprof_frame_index",
			"Index of the frame currently being recorded.",
			nil, nil,
		),
		pausedDesc: prometheus.NewDesc(
			"rtprof_paused",
			"Whether recording is paused.",
			nil, nil,
		),
		tracksDesc: prometheus.NewDesc(
			"rtprof_tracks",
			"Number of registered tracks.",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"rtprof_dropped_events_total",
			"Events dropped because a frame buffer or query heap was full.",
			[]string{"recorder"}, nil,
		),
		leakedDesc: prometheus.NewDesc(
			"rtprof_unterminated_regions_total",
			"Regions still open at the end of a frame or submission.",
			[]string{"recorder"}, nil,
		),
		backlogDesc: prometheus.NewDesc(
			"rtprof_gpu_backlog_waits_total",
			"Times the frame thread blocked on the GPU.",
			nil, nil,
		),
		unmatchedDesc: prometheus.NewDesc(
			"rtprof_gpu_unsubmitted_recordings_total",
			"Command buffers recorded with profiling events but never submitted.",
			nil, nil,
		),
		readbackDesc: prometheus.NewDesc(
			"rtprof_gpu_readback_frames_total",
			"Frames whose GPU timestamps were read back.",
			nil, nil,
		),
		presentsDesc: prometheus.NewDesc(
			"rtprof_presents_total",
			"Presents by outcome.",
			[]string{"outcome"}, nil,
		),
		presentErrDesc: prometheus.NewDesc(
			"rtprof_present_statistics_errors_total",
			"Failed frame statistics queries.",
			nil, nil,
		),
	}
}

// Update publishes s for the next scrape.
func (c *Collector) Update(s profiler.Stats) {
	c.stats.Store(&s)
}

// ObserveFrame records the duration of one frame in seconds.
func (c *Collector) ObserveFrame(seconds float64) {
	c.frameDuration.Observe(seconds)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.frameDuration.Describe(ch)
	ch <- c.frameDesc
	ch <- c.pausedDesc
	ch <- c.tracksDesc
	ch <- c.droppedDesc
	ch <- c.leakedDesc
	ch <- c.backlogDesc
	ch <- c.unmatchedDesc
	ch <- c.readbackDesc
	ch <- c.presentsDesc
	ch <- c.presentErrDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.frameDuration.Collect(ch)
	s := c.stats.Load()
	if s == nil {
		return
	}
	var paused float64
	if s.Paused {
		paused = 1
	}
	ch <- prometheus.MustNewConstMetric(c.frameDesc, prometheus.GaugeValue, float64(s.Frame))
	ch <- prometheus.MustNewConstMetric(c.pausedDesc, prometheus.GaugeValue, paused)
	ch <- prometheus.MustNewConstMetric(c.tracksDesc, prometheus.GaugeValue, float64(s.Tracks))

	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(s.CPU.DroppedEvents), "cpu")
	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(s.GPU.DroppedEvents+s.GPU.DroppedQueries), "gpu")
	ch <- prometheus.MustNewConstMetric(c.leakedDesc, prometheus.CounterValue, float64(s.CPU.LeakedRegions), "cpu")
	ch <- prometheus.MustNewConstMetric(c.leakedDesc, prometheus.CounterValue, float64(s.GPU.UnterminatedRegions), "gpu")
	ch <- prometheus.MustNewConstMetric(c.backlogDesc, prometheus.CounterValue, float64(s.GPU.BacklogWaits))
	ch <- prometheus.MustNewConstMetric(c.unmatchedDesc, prometheus.CounterValue, float64(s.GPU.UnsubmittedRecordings))
	ch <- prometheus.MustNewConstMetric(c.readbackDesc, prometheus.CounterValue, float64(s.GPU.ReadbackFrames))

	for outcome, v := range map[string]uint64{
		"displayed": s.Present.Displayed,
		"discarded": s.Present.Discarded,
		"missed":    s.Present.Missed,
		"lost":      s.Present.Lost,
	} {
		ch <- prometheus.MustNewConstMetric(c.presentsDesc, prometheus.CounterValue, float64(v), outcome)
	}
	ch <- prometheus.MustNewConstMetric(c.presentErrDesc, prometheus.CounterValue, float64(s.Present.Errors))
}

// Handler serves c alongside the Go runtime collectors from a private
// registry.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	if err := reg.Register(prometheus.NewGoCollector()); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
