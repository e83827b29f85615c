// Package metrics aggregates region durations across frames.
package metrics

import (
	"errors"
	"math"
	"sort"

	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/nodetree"
)

// DefaultSmoothing is the weight of the newest sample in the moving average.
const DefaultSmoothing = 0.1

type RegionMetadata struct {
	MaxVal     uint64
	WorstFrame uint32
	MinVal     uint64
	MovingAvg  float64
	Examples   []uint32
}

type Aggregator struct {
	MaxUniqueRegions uint
	MaxNumOfExamples uint
	Smoothing        float64
	Regions          map[uint64]nodetree.CallTreeFunction
	RegionsMetadata  map[uint64]RegionMetadata
}

type RegionMetrics struct {
	Name        string   `json:"name"`
	File        string   `json:"file,omitempty"`
	Line        uint32   `json:"line,omitempty"`
	Queue       uint8    `json:"queue,omitempty"`
	Fingerprint uint64   `json:"fingerprint"`
	P75         uint64   `json:"p75"`
	P95         uint64   `json:"p95"`
	P99         uint64   `json:"p99"`
	Avg         float64  `json:"avg"`
	MovingAvg   float64  `json:"moving_avg"`
	Min         uint64   `json:"min"`
	Max         uint64   `json:"max"`
	Sum         uint64   `json:"sum"`
	SelfSum     uint64   `json:"self_sum"`
	Count       uint64   `json:"count"`
	WorstFrame  uint32   `json:"worst_frame"`
	Examples    []uint32 `json:"examples"`
}

func NewAggregator(maxUniqueRegions uint, maxNumOfExamples uint) Aggregator {
	return Aggregator{
		MaxUniqueRegions: maxUniqueRegions,
		MaxNumOfExamples: maxNumOfExamples,
		Smoothing:        DefaultSmoothing,
		Regions:          make(map[uint64]nodetree.CallTreeFunction),
		RegionsMetadata:  make(map[uint64]RegionMetadata),
	}
}

// AddRegions merges the regions collected from frame.
func (ma *Aggregator) AddRegions(regions map[uint64]nodetree.CallTreeFunction, frame uint32) {
	for fingerprint, f := range regions {
		var worst uint64
		for _, d := range f.DurationsNS {
			worst = max(worst, d)
		}
		if fn, ok := ma.Regions[fingerprint]; ok {
			fn.Count += f.Count
			fn.DurationsNS = append(fn.DurationsNS, f.DurationsNS...)
			fn.SelfTimesNS = append(fn.SelfTimesNS, f.SelfTimesNS...)
			fn.SumSelfTimeNS += f.SumSelfTimeNS
			md := ma.RegionsMetadata[fingerprint]
			if worst > md.MaxVal {
				md.MaxVal = worst
				md.WorstFrame = frame
			}
			for _, d := range f.DurationsNS {
				md.MinVal = min(md.MinVal, d)
				md.MovingAvg += (float64(d) - md.MovingAvg) * ma.Smoothing
			}
			if len(md.Examples) < int(ma.MaxNumOfExamples) {
				md.Examples = append(md.Examples, frame)
			}
			ma.RegionsMetadata[fingerprint] = md
			ma.Regions[fingerprint] = fn
			continue
		}
		f.DurationsNS = append([]uint64(nil), f.DurationsNS...)
		f.SelfTimesNS = append([]uint64(nil), f.SelfTimesNS...)
		ma.Regions[fingerprint] = f
		md := RegionMetadata{
			MaxVal:     worst,
			WorstFrame: frame,
			MinVal:     math.MaxUint64,
			Examples:   []uint32{frame},
		}
		for i, d := range f.DurationsNS {
			md.MinVal = min(md.MinVal, d)
			if i == 0 {
				md.MovingAvg = float64(d)
			} else {
				md.MovingAvg += (float64(d) - md.MovingAvg) * ma.Smoothing
			}
		}
		ma.RegionsMetadata[fingerprint] = md
	}
}

// AddHistory aggregates every frame h holds on the given tracks, or on
// every track when none is given.
func (ma *Aggregator) AddHistory(h event.History, tracks ...uint16) {
	if len(tracks) == 0 {
		for _, t := range h.Tracks() {
			tracks = append(tracks, t.Index)
		}
	}
	begin, end := h.FrameRange()
	for f := begin; f < end; f++ {
		regions := make(map[uint64]nodetree.CallTreeFunction)
		for _, t := range tracks {
			nodetree.CollectFunctions(nodetree.FromEvents(h.Events(t, f), h.Frequency()), regions)
		}
		ma.AddRegions(regions, f)
	}
}

func (ma *Aggregator) ToMetrics() []RegionMetrics {
	metrics := make([]RegionMetrics, 0, len(ma.Regions))

	for _, f := range ma.Regions {
		if len(f.DurationsNS) == 0 {
			continue
		}
		durations := append([]uint64(nil), f.DurationsNS...)
		sort.Slice(durations, func(i, j int) bool {
			return durations[i] < durations[j]
		})
		var sum uint64
		for _, d := range durations {
			sum += d
		}
		p75, _ := quantile(durations, 0.75)
		p95, _ := quantile(durations, 0.95)
		p99, _ := quantile(durations, 0.99)
		md := ma.RegionsMetadata[f.Fingerprint]
		metrics = append(metrics, RegionMetrics{
			Name:        f.Name,
			File:        f.File,
			Line:        f.Line,
			Queue:       f.Queue,
			Fingerprint: f.Fingerprint,
			P75:         p75,
			P95:         p95,
			P99:         p99,
			Avg:         float64(sum) / float64(len(durations)),
			MovingAvg:   md.MovingAvg,
			Min:         durations[0],
			Max:         durations[len(durations)-1],
			Sum:         sum,
			SelfSum:     f.SumSelfTimeNS,
			Count:       f.Count,
			WorstFrame:  md.WorstFrame,
			Examples:    md.Examples,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum != metrics[j].Sum {
			return metrics[i].Sum > metrics[j].Sum
		}
		return metrics[i].Fingerprint < metrics[j].Fingerprint
	})
	if len(metrics) > int(ma.MaxUniqueRegions) {
		metrics = metrics[:ma.MaxUniqueRegions]
	}
	return metrics
}

func quantile(values []uint64, q float64) (uint64, error) {
	if len(values) == 0 {
		return 0, errors.New("cannot compute percentile from empty list")
	}
	if q <= 0 || q > 1 {
		return 0, errors.New("q must be a value between 0 and 1.0")
	}
	index := int(math.Ceil(float64(len(values))*q)) - 1
	return values[index], nil
}
