package event

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// Hue ranges used when a caller doesn't pick a color.
const (
	CPUHueMin = 0.5
	CPUHueMax = 1.0
	GPUHueMin = 0.0
	GPUHueMax = 0.5
)

// ColorFromString derives a stable color from name, with a hue picked in
// [hueMin, hueMax). The result is packed as R | G<<8 | B<<16.
func ColorFromString(name string, hueMin, hueMax float64) uint32 {
	h := xxhash.Sum64String(name)
	hue := hueMin + (hueMax-hueMin)*float64(h%1024)/1024
	r, g, b := hsvToRGB(hue, 0.5, 0.6)
	return uint32(r) | uint32(g)<<8 | uint32(b)<<16
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	h = math.Mod(h, 1) * 6
	i := math.Floor(h)
	f := h - i
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))

	var r, g, b float64
	switch int(i) {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return uint8(r*255 + 0.5), uint8(g*255 + 0.5), uint8(b*255 + 0.5)
}

// RGB unpacks a color produced by ColorFromString.
func RGB(color uint32) (r, g, b uint8) {
	return uint8(color), uint8(color >> 8), uint8(color >> 16)
}
