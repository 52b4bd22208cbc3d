// Package detector turns a video stream into crossing triggers by
// frame-differencing a column of beam zones.
package detector

import (
	"errors"
	"image"
	"math"
	"time"
)

const (
	// DefaultSensitivity matches the shipped settings screen.
	DefaultSensitivity = 85
	// DefaultCooldown is the minimum gap between accepted crossings.
	DefaultCooldown = 500 * time.Millisecond

	minThreshold = 5.0
)

// ErrInvalidSensitivity is returned for sensitivities outside 1..100.
var ErrInvalidSensitivity = errors.New("sensitivity must be between 1 and 100")

// Config holds detection settings.
type Config struct {
	Sensitivity int
	Cooldown    time.Duration
}

// DefaultConfig returns the default detection settings.
func DefaultConfig() Config {
	return Config{
		Sensitivity: DefaultSensitivity,
		Cooldown:    DefaultCooldown,
	}
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	if c.Sensitivity < 1 || c.Sensitivity > 100 {
		return ErrInvalidSensitivity
	}
	if c.Cooldown < 0 {
		return errors.New("cooldown must not be negative")
	}
	return nil
}

// Threshold is the per-zone score a zone must exceed to be hot.
func Threshold(sensitivity int) float64 {
	return math.Max(minThreshold, 155-float64(sensitivity)*1.5)
}

// Result is the outcome of scoring one frame.
type Result struct {
	Scores    []float64
	Hot       []bool
	Threshold float64
	// Crossed is true when every zone is hot.
	Crossed bool
	// Activity is the mean zone score, for level meters.
	Activity float64
}

// zoneBuffer is a detector-owned snapshot of one zone.
type zoneBuffer struct {
	rect image.Rectangle
	pix  []byte
	prev []byte
	have bool
}

// Detector scores beam zones frame to frame. It is not safe for concurrent
// use; the runner owns it.
type Detector struct {
	config    Config
	threshold float64
	zones     []zoneBuffer

	lastAccepted time.Time
	accepted     bool
}

// New creates a detector. The config is assumed valid.
func New(config Config) *Detector {
	return &Detector{
		config:    config,
		threshold: Threshold(config.Sensitivity),
	}
}

// SetSensitivity updates the threshold for subsequent frames.
func (d *Detector) SetSensitivity(sensitivity int) error {
	if sensitivity < 1 || sensitivity > 100 {
		return ErrInvalidSensitivity
	}
	d.config.Sensitivity = sensitivity
	d.threshold = Threshold(sensitivity)
	return nil
}

// Config returns the active configuration.
func (d *Detector) Config() Config {
	return d.config
}

// Process scores each zone of frame against the previous frame. Zones are
// clamped to the frame bounds; a zone with no previous snapshot of the same
// size scores zero.
func (d *Detector) Process(frame *image.RGBA, zones []image.Rectangle) Result {
	if len(d.zones) != len(zones) {
		d.zones = make([]zoneBuffer, len(zones))
	}

	res := Result{
		Scores:    make([]float64, len(zones)),
		Hot:       make([]bool, len(zones)),
		Threshold: d.threshold,
		Crossed:   len(zones) > 0,
	}

	var total float64
	for i, zone := range zones {
		score := d.zones[i].score(frame, zone)
		res.Scores[i] = score
		res.Hot[i] = score > d.threshold
		res.Crossed = res.Crossed && res.Hot[i]
		total += score
	}
	if len(zones) > 0 {
		res.Activity = total / float64(len(zones))
	}
	return res
}

// Accept applies the cooldown to a crossing at now. It returns true and
// restarts the cooldown when the crossing is far enough from the last
// accepted one.
func (d *Detector) Accept(now time.Time) bool {
	if d.accepted && now.Sub(d.lastAccepted) < d.config.Cooldown {
		return false
	}
	d.lastAccepted = now
	d.accepted = true
	return true
}

// Reset forgets previous snapshots and the cooldown.
func (d *Detector) Reset() {
	d.zones = nil
	d.accepted = false
	d.lastAccepted = time.Time{}
}

// score snapshots the zone and returns the mean per-pixel sum of RGB deltas
// against the previous snapshot. Alpha is ignored.
func (z *zoneBuffer) score(frame *image.RGBA, zone image.Rectangle) float64 {
	r := zone.Intersect(frame.Bounds())
	if r.Empty() {
		z.have = false
		z.rect = image.Rectangle{}
		return 0
	}

	comparable := z.have && r.Size() == z.rect.Size()
	z.pix, z.prev = z.prev, z.pix

	w, h := r.Dx(), r.Dy()
	need := w * h * 4
	if cap(z.pix) < need {
		z.pix = make([]byte, need)
	}
	z.pix = z.pix[:need]

	for y := 0; y < h; y++ {
		src := frame.PixOffset(r.Min.X, r.Min.Y+y)
		copy(z.pix[y*w*4:(y+1)*w*4], frame.Pix[src:src+w*4])
	}

	z.rect = r
	z.have = true
	if !comparable || len(z.prev) != need {
		return 0
	}

	var sum int
	for i := 0; i < need; i += 4 {
		sum += absDiff(z.pix[i], z.prev[i])
		sum += absDiff(z.pix[i+1], z.prev[i+1])
		sum += absDiff(z.pix[i+2], z.prev[i+2])
	}
	return float64(sum) / float64(w*h)
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
