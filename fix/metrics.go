package fix

import (
	"sync/atomic"
)

// NativeAspect is the aspect ratio the host renders and lays out its HUD for.
const NativeAspect float32 = 1.777777791

// Dimensions are the values derived from the current output resolution.
type Dimensions struct {
	ResX, ResY int

	AspectRatio      float32
	AspectMultiplier float32

	// HUD canvas size and offset, in pixels
	HUDWidth        float32
	HUDHeight       float32
	HUDWidthOffset  float32
	HUDHeightOffset float32
}

// CalculateDimensions derives aspect and HUD values for a resolution. Wider than
// native pillarboxes the HUD, narrower letterboxes it. resX and resY must be positive.
func CalculateDimensions(resX, resY int) Dimensions {
	d := Dimensions{ResX: resX, ResY: resY}
	d.AspectRatio = float32(resX) / float32(resY)
	d.AspectMultiplier = d.AspectRatio / NativeAspect

	d.HUDWidth = float32(resY) * NativeAspect
	d.HUDHeight = float32(resY)
	d.HUDWidthOffset = (float32(resX) - d.HUDWidth) / 2
	d.HUDHeightOffset = 0

	if d.AspectRatio < NativeAspect {
		d.HUDWidth = float32(resX)
		d.HUDHeight = float32(resX) / NativeAspect
		d.HUDWidthOffset = 0
		d.HUDHeightOffset = (float32(resY) - d.HUDHeight) / 2
	}
	return d
}

// Metrics publishes the current Dimensions. Only the resolution hook writes;
// any hook may read. Readers see either the previous or the new snapshot, never
// a mix.
type Metrics struct {
	current atomic.Pointer[Dimensions]
}

func NewMetrics(resX, resY int) *Metrics {
	m := &Metrics{}
	if resX <= 0 || resY <= 0 {
		resX, resY = 1920, 1080
	}
	d := CalculateDimensions(resX, resY)
	m.current.Store(&d)
	return m
}

func (m *Metrics) Load() Dimensions {
	return *m.current.Load()
}

// Update publishes new dimensions if the resolution changed. Non-positive
// sizes are ignored.
func (m *Metrics) Update(resX, resY int) (Dimensions, bool) {
	cur := m.current.Load()
	if resX <= 0 || resY <= 0 || (cur.ResX == resX && cur.ResY == resY) {
		return *cur, false
	}
	d := CalculateDimensions(resX, resY)
	m.current.Store(&d)
	return d, true
}
