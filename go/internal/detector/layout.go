package detector

import (
	"image"
	"math"
	"sync"
)

const (
	zoneSizeRatio   = 0.08
	defaultPosition = 0.5
)

var beamHeights = []float64{0.25, 0.5, 0.75}

// TripleBeam lays out three square zones in a vertical column at 25%, 50%
// and 75% of the frame height. The column can only move horizontally.
type TripleBeam struct {
	mu sync.Mutex
	x  float64
}

// NewTripleBeam returns a layout centred horizontally.
func NewTripleBeam() *TripleBeam {
	return &TripleBeam{x: defaultPosition}
}

// SetPosition moves the column to x, a fraction of the frame width.
func (l *TripleBeam) SetPosition(x float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.x = math.Max(0, math.Min(1, x))
}

// Position returns the column position as a fraction of the frame width.
func (l *TripleBeam) Position() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.x
}

// Zones returns the zone rectangles for a frame with the given bounds.
func (l *TripleBeam) Zones(bounds image.Rectangle) []image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	size := int(math.Floor(float64(min(w, h)) * zoneSizeRatio))
	if size <= 0 {
		return make([]image.Rectangle, len(beamHeights))
	}

	half := size / 2
	centerX := int(math.Floor(l.Position() * float64(w)))
	centerX = max(half, min(centerX, w-half))
	left := bounds.Min.X + centerX - half

	zones := make([]image.Rectangle, 0, len(beamHeights))
	for _, frac := range beamHeights {
		top := bounds.Min.Y + int(math.Floor(float64(h)*frac)) - half
		zones = append(zones, image.Rect(left, top, left+size, top+size))
	}
	return zones
}
