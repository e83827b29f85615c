package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/getsentry/rtprof/internal/cpuprof"
	"github.com/getsentry/rtprof/internal/gpuprof"
	"github.com/getsentry/rtprof/internal/present"
	"github.com/getsentry/rtprof/internal/profiler"
)

func TestCollectorBeforeUpdate(t *testing.T) {
	c := NewCollector()
	// Only the histogram is exported before the first update.
	if n := testutil.CollectAndCount(c); n != 1 {
		t.Fatalf("got %d metrics, want 1", n)
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.Update(profiler.Stats{
		Frame:   42,
		Tracks:  3,
		CPU:     cpuprof.Stats{DroppedEvents: 2},
		GPU:     gpuprof.Stats{DroppedEvents: 1, DroppedQueries: 4, BacklogWaits: 5},
		Present: present.Stats{Displayed: 40, Discarded: 2},
	})
	c.ObserveFrame(0.016)

	expected := `
# HELP rtprof_dropped_events_total Events dropped because a frame buffer or query heap was full.
# TYPE rtprof_dropped_events_total counter
rtprof_dropped_events_total{recorder="cpu"} 2
rtprof_dropped_events_total{recorder="gpu"} 5
# HELP rtprof_frame_index Index of the frame currently being recorded.
# TYPE rtprof_frame_index gauge
rtprof_frame_index 42
# HELP rtprof_gpu_backlog_waits_total Times the frame thread blocked on the GPU.
# TYPE rtprof_gpu_backlog_waits_total counter
rtprof_gpu_backlog_waits_total 5
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"rtprof_dropped_events_total", "rtprof_frame_index", "rtprof_gpu_backlog_waits_total")
	if err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.Update(profiler.Stats{Present: present.Stats{Missed: 7}})
	h, err := Handler(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `rtprof_presents_total{outcome="missed"} 7`) {
		t.Fatalf("missing present metric in:\n%s", body)
	}
}
