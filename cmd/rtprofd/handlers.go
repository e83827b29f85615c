package main

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	gojson "github.com/goccy/go-json"

	"github.com/getsentry/rtprof/internal/chrometrace"
	"github.com/getsentry/rtprof/internal/cpuprof"
	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/framedrop"
	"github.com/getsentry/rtprof/internal/httputil"
	"github.com/getsentry/rtprof/internal/metrics"
	"github.com/getsentry/rtprof/internal/nodetree"
	"github.com/getsentry/rtprof/internal/profiler"
	"github.com/getsentry/rtprof/internal/speedscope"
)

const (
	processName       = "rtprofd"
	maxRegionExamples = 5
	allTracks         = math.MaxUint64
)

type (
	framesResponse struct {
		Begin     uint32 `json:"begin"`
		End       uint32 `json:"end"`
		Frame     uint32 `json:"frame"`
		Frequency uint64 `json:"frequency"`
		Paused    bool   `json:"paused"`
	}

	frameTrack struct {
		Track event.TrackInfo  `json:"track"`
		Roots []*nodetree.Node `json:"roots"`
	}

	frameResponse struct {
		Frame  uint32       `json:"frame"`
		Tracks []frameTrack `json:"tracks"`
	}

	statsResponse struct {
		Stats   profiler.Stats          `json:"stats"`
		Regions []metrics.RegionMetrics `json:"regions"`
	}
)

func hubFromContext(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

func writeJSON(ctx context.Context, w http.ResponseWriter, v interface{}) {
	hub := hubFromContext(ctx)
	s := sentry.StartSpan(ctx, "json.marshal")
	b, err := gojson.Marshal(v)
	s.Finish()
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

// onFrameThread runs fn between two frames and writes a 503 when the render
// loop can't serve it.
func (e *environment) onFrameThread(w http.ResponseWriter, r *http.Request, fn func(p *profiler.Profiler)) bool {
	ctx := r.Context()
	s := sentry.StartSpan(ctx, "profiler.read")
	err := e.loop.do(ctx, fn)
	s.Finish()
	if err != nil {
		hubFromContext(ctx).CaptureException(err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (e *environment) snapshot(w http.ResponseWriter, r *http.Request) (*event.Snapshot, bool) {
	var snap *event.Snapshot
	ok := e.onFrameThread(w, r, func(p *profiler.Profiler) {
		snap = p.History().Snapshot()
	})
	return snap, ok
}

func (e *environment) getHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (e *environment) getTracks(w http.ResponseWriter, r *http.Request) {
	var tracks []event.TrackInfo
	if !e.onFrameThread(w, r, func(p *profiler.Profiler) {
		tracks = p.History().Tracks()
	}) {
		return
	}
	writeJSON(r.Context(), w, tracks)
}

func (e *environment) getFrames(w http.ResponseWriter, r *http.Request) {
	var resp framesResponse
	if !e.onFrameThread(w, r, func(p *profiler.Profiler) {
		h := p.History()
		resp.Begin, resp.End = h.FrameRange()
		resp.Frequency = h.Frequency()
		resp.Frame = p.CPU().FrameIndex()
		resp.Paused = p.IsPaused()
	}) {
		return
	}
	writeJSON(r.Context(), w, resp)
}

func (e *environment) getFrame(w http.ResponseWriter, r *http.Request) {
	frame, logger, ok := httputil.GetUintParameter(w, r, "frame", 32, 0)
	if !ok {
		return
	}
	track, _, ok := httputil.GetUintParameter(w, r, "track", 16, allTracks)
	if !ok {
		return
	}

	var (
		inRange   bool
		frequency uint64
		tracks    []event.TrackInfo
		events    [][]event.Event
	)
	if !e.onFrameThread(w, r, func(p *profiler.Profiler) {
		h := p.History()
		begin, end := h.FrameRange()
		if uint32(frame) < begin || uint32(frame) >= end {
			return
		}
		inRange = true
		frequency = h.Frequency()
		for _, t := range h.Tracks() {
			if track != allTracks && uint64(t.Index) != track {
				continue
			}
			evs := h.Events(t.Index, uint32(frame))
			for i := range evs {
				evs[i].Name = strings.Clone(evs[i].Name)
				evs[i].File = strings.Clone(evs[i].File)
			}
			tracks = append(tracks, t)
			events = append(events, evs)
		}
	}) {
		return
	}
	if !inRange {
		logger.Debug().Msg("frame is not in the history")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s := sentry.StartSpan(r.Context(), "nodetree.build")
	query := r.URL.Query().Get("q")
	resp := frameResponse{Frame: uint32(frame), Tracks: make([]frameTrack, 0, len(tracks))}
	for i, t := range tracks {
		roots := nodetree.FromEvents(events[i], frequency)
		if query != "" {
			roots = nodetree.Filter(roots, query)
		}
		resp.Tracks = append(resp.Tracks, frameTrack{Track: t, Roots: roots})
	}
	s.Finish()

	writeJSON(r.Context(), w, resp)
}

func (e *environment) getTrace(w http.ResponseWriter, r *http.Request) {
	snap, ok := e.snapshot(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	s := sentry.StartSpan(ctx, "chrometrace.export")
	defer s.Finish()
	w.Header().Set("Content-Type", "application/json")
	if err := chrometrace.Export(w, snap, processName); err != nil {
		hubFromContext(ctx).CaptureException(err)
	}
}

func (e *environment) getSpeedscope(w http.ResponseWriter, r *http.Request) {
	snap, ok := e.snapshot(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	s := sentry.StartSpan(ctx, "speedscope.encode")
	defer s.Finish()
	o := speedscope.FromHistory(snap, processName+" "+e.session.String())
	w.Header().Set("Content-Type", "application/json")
	if err := o.Encode(w); err != nil {
		hubFromContext(ctx).CaptureException(err)
	}
}

func (e *environment) getStats(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := httputil.GetUintParameter(w, r, "limit", 32, 50)
	if !ok {
		return
	}
	var (
		resp statsResponse
		snap *event.Snapshot
	)
	if !e.onFrameThread(w, r, func(p *profiler.Profiler) {
		resp.Stats = p.Stats()
		snap = p.History().Snapshot()
	}) {
		return
	}

	s := sentry.StartSpan(r.Context(), "metrics.aggregate")
	agg := metrics.NewAggregator(uint(limit), maxRegionExamples)
	agg.AddHistory(snap)
	resp.Regions = agg.ToMetrics()
	s.Finish()

	writeJSON(r.Context(), w, resp)
}

func (e *environment) getDrops(w http.ResponseWriter, r *http.Request) {
	snap, ok := e.snapshot(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("track")
	if name == "" {
		name = cpuprof.MainThreadName
	}
	t, ok := event.TrackByName(snap, name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	causes := framedrop.FindCauses(snap, t.Index)
	if causes == nil {
		causes = []framedrop.Cause{}
	}
	writeJSON(r.Context(), w, causes)
}

func (e *environment) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if !e.onFrameThread(w, r, func(p *profiler.Profiler) {
		p.SetPaused(paused)
	}) {
		return
	}
	hubFromContext(r.Context()).Scope().SetTag("paused", strconv.FormatBool(paused))
	w.WriteHeader(http.StatusNoContent)
}

func (e *environment) postPause(w http.ResponseWriter, r *http.Request) {
	e.setPaused(w, r, true)
}

func (e *environment) postResume(w http.ResponseWriter, r *http.Request) {
	e.setPaused(w, r, false)
}
