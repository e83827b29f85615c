package timeutil

import (
	"math"
	"math/bits"
	"time"
)

// MulDiv returns v*num/den without overflowing the intermediate product.
// It saturates when the result doesn't fit in 64 bits.
func MulDiv(v, num, den uint64) uint64 {
	hi, lo := bits.Mul64(v, num)
	if hi >= den {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, den)
	return q
}

// TicksToNS converts a tick delta at frequency ticks per second to
// nanoseconds.
func TicksToNS(ticks, frequency uint64) uint64 {
	if frequency == 0 {
		return 0
	}
	return MulDiv(ticks, uint64(time.Second), frequency)
}

func TicksToDuration(ticks, frequency uint64) time.Duration {
	return time.Duration(TicksToNS(ticks, frequency))
}

// DurationToTicks is the inverse of TicksToDuration.
func DurationToTicks(d time.Duration, frequency uint64) uint64 {
	if d <= 0 {
		return 0
	}
	return MulDiv(uint64(d), frequency, uint64(time.Second))
}

// Calibration is a simultaneous reading of a GPU queue clock and the CPU
// clock, with both frequencies. It maps GPU ticks onto the CPU timeline.
type Calibration struct {
	GPUTicks     uint64
	CPUTicks     uint64
	GPUFrequency uint64
	CPUFrequency uint64
}

// ToCPU converts a GPU timestamp to CPU ticks:
// cpu = CPUTicks + (gpu - GPUTicks) * CPUFrequency / GPUFrequency.
// Timestamps taken before the calibration point are mapped backwards and
// clamped to 1. The conversion is monotonic.
func (c Calibration) ToCPU(gpuTicks uint64) uint64 {
	if c.GPUFrequency == 0 {
		return 0
	}
	if gpuTicks >= c.GPUTicks {
		delta := MulDiv(gpuTicks-c.GPUTicks, c.CPUFrequency, c.GPUFrequency)
		if delta > math.MaxUint64-c.CPUTicks {
			return math.MaxUint64
		}
		return c.CPUTicks + delta
	}
	delta := MulDiv(c.GPUTicks-gpuTicks, c.CPUFrequency, c.GPUFrequency)
	if delta >= c.CPUTicks {
		return 1
	}
	return c.CPUTicks - delta
}
