package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/getsentry/rtprof/internal/framedrop"
	"github.com/getsentry/rtprof/internal/nodetree"
	"github.com/getsentry/rtprof/internal/telemetry"
	"github.com/getsentry/rtprof/internal/testutil"
	"github.com/getsentry/rtprof/internal/timeutil"
)

func newTestEnvironment(t *testing.T, frames int) (*environment, *httprouter.Router, func()) {
	t.Helper()
	cfg := ServiceConfig{
		HistorySize:       16,
		FrameLatency:      2,
		MaxEventsPerFrame: 256,
		MaxQueriesPerHeap: 256,
		TargetFPS:         1,
		Workers:           2,
		DropEvery:         5,
		FrameLogLevel:     "error",
	}
	collector := telemetry.NewCollector()
	loop, err := newRenderLoop(cfg, timeutil.NewMonotonicClock(), collector)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loop.spin = func(time.Duration) {}
	loop.period = time.Hour
	for i := 0; i < frames; i++ {
		loop.frame()
	}
	handler, err := telemetry.Handler(collector)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := &environment{
		config:    cfg,
		session:   uuid.New(),
		loop:      loop,
		collector: collector,
		metrics:   handler,
	}
	router, err := e.newRouter()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go loop.run(ctx)
	stop := func() {
		cancel()
		<-loop.stopped
	}
	t.Cleanup(stop)
	return e, router, stop
}

func serve(router http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := gojson.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("can't decode %q: %v", rec.Body.String(), err)
	}
}

func TestRoutes(t *testing.T) {
	_, router, _ := newTestEnvironment(t, 12)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "health", method: http.MethodGet, path: "/health", status: http.StatusNoContent},
		{name: "tracks", method: http.MethodGet, path: "/tracks", status: http.StatusOK},
		{name: "frames", method: http.MethodGet, path: "/frames", status: http.StatusOK},
		{name: "frame", method: http.MethodGet, path: "/frames/1", status: http.StatusOK},
		{name: "malformed frame", method: http.MethodGet, path: "/frames/first", status: http.StatusBadRequest},
		{name: "frame out of history", method: http.MethodGet, path: "/frames/100000", status: http.StatusNotFound},
		{name: "malformed track", method: http.MethodGet, path: "/frames/1?track=-1", status: http.StatusBadRequest},
		{name: "chrome trace", method: http.MethodGet, path: "/trace", status: http.StatusOK},
		{name: "speedscope", method: http.MethodGet, path: "/speedscope", status: http.StatusOK},
		{name: "stats", method: http.MethodGet, path: "/stats", status: http.StatusOK},
		{name: "malformed limit", method: http.MethodGet, path: "/stats?limit=ten", status: http.StatusBadRequest},
		{name: "drops", method: http.MethodGet, path: "/drops", status: http.StatusOK},
		{name: "drops on unknown track", method: http.MethodGet, path: "/drops?track=Nope", status: http.StatusNotFound},
		{name: "metrics", method: http.MethodGet, path: "/metrics", status: http.StatusOK},
		{name: "unknown route", method: http.MethodGet, path: "/profiles", status: http.StatusNotFound},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := serve(router, test.method, test.path)
			if diff := testutil.Diff(rec.Code, test.status); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestGetFrames(t *testing.T) {
	_, router, _ := newTestEnvironment(t, 12)

	var resp framesResponse
	decode(t, serve(router, http.MethodGet, "/frames"), &resp)

	if resp.Frame != 12 {
		t.Fatalf("expected frame 12, got %d", resp.Frame)
	}
	if resp.Begin >= resp.End || resp.End > resp.Frame {
		t.Fatalf("unexpected frame range [%d, %d)", resp.Begin, resp.End)
	}
	if resp.Frequency == 0 {
		t.Fatal("expected a tick frequency")
	}
}

func TestGetFrameFilter(t *testing.T) {
	_, router, _ := newTestEnvironment(t, 12)

	var frames framesResponse
	decode(t, serve(router, http.MethodGet, "/frames"), &frames)

	var resp frameResponse
	decode(t, serve(router, http.MethodGet, fmt.Sprintf("/frames/%d?q=LIGHT", frames.End-1)), &resp)

	var names []string
	for _, track := range resp.Tracks {
		nodetree.Walk(track.Roots, func(n *nodetree.Node, _ []*nodetree.Node) bool {
			names = append(names, n.Name)
			return true
		})
	}
	if diff := testutil.Diff(names, []string{"Frame", "Lighting"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestGetDrops(t *testing.T) {
	_, router, _ := newTestEnvironment(t, 12)

	var causes []framedrop.Cause
	decode(t, serve(router, http.MethodGet, "/drops"), &causes)

	if len(causes) == 0 {
		t.Fatal("expected at least one discarded present")
	}
	for _, c := range causes {
		if c.Frame%5 != 0 {
			t.Fatalf("frame %d wasn't dropped", c.Frame)
		}
		if c.Node.Name != "Update" && c.Node.Name != "Render" {
			t.Fatalf("unexpected cause %q", c.Node.Name)
		}
	}
}

func TestPauseResume(t *testing.T) {
	_, router, _ := newTestEnvironment(t, 3)

	for _, step := range []struct {
		path   string
		paused bool
	}{
		{"/pause", true},
		{"/resume", false},
	} {
		if rec := serve(router, http.MethodPost, step.path); rec.Code != http.StatusNoContent {
			t.Fatalf("%s: expected 204, got %d", step.path, rec.Code)
		}
		var resp framesResponse
		decode(t, serve(router, http.MethodGet, "/frames"), &resp)
		if resp.Paused != step.paused {
			t.Fatalf("%s: expected paused to be %v", step.path, step.paused)
		}
	}
}

func TestMetricsExposeProfilerStats(t *testing.T) {
	_, router, _ := newTestEnvironment(t, 4)

	rec := serve(router, http.MethodGet, "/metrics")
	if !strings.Contains(rec.Body.String(), "rtprof_") {
		t.Fatalf("expected profiler metrics, got %q", rec.Body.String())
	}
}

func TestStoppedLoop(t *testing.T) {
	_, router, stop := newTestEnvironment(t, 1)
	stop()

	if rec := serve(router, http.MethodGet, "/tracks"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
