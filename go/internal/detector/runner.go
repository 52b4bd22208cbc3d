package detector

import (
	"context"
	"image"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// FrameSource yields the current video frame. ok is false when no frame is
// available yet, for example while the stream is paused.
type FrameSource interface {
	Frame() (frame *image.RGBA, ok bool)
}

// Layout positions the beam zones within a frame.
type Layout interface {
	Zones(bounds image.Rectangle) []image.Rectangle
}

// RunnerConfig wires a detector to its collaborators.
type RunnerConfig struct {
	// FrameInterval is the polling cadence, one slot per rendered frame.
	FrameInterval time.Duration
	// Active gates crossings; only Armed and Running should pass.
	Active func() bool
	// OnTrigger receives accepted crossings.
	OnTrigger func()
	// OnResult, if set, receives every frame's scores.
	OnResult func(Result)
}

// Runner polls a frame source and feeds the detector once per frame.
type Runner struct {
	clock    clockwork.Clock
	detector *Detector
	source   FrameSource
	layout   Layout
	config   RunnerConfig
}

// NewRunner creates a runner for the given detector and source.
func NewRunner(clock clockwork.Clock, detector *Detector, source FrameSource, layout Layout, config RunnerConfig) *Runner {
	if config.FrameInterval <= 0 {
		config.FrameInterval = 16 * time.Millisecond
	}
	return &Runner{
		clock:    clock,
		detector: detector,
		source:   source,
		layout:   layout,
		config:   config,
	}
}

// Run polls frames until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.config.FrameInterval)
	defer ticker.Stop()

	log.Info().
		Dur("frame_interval", r.config.FrameInterval).
		Int("sensitivity", r.detector.Config().Sensitivity).
		Msg("motion detector started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("motion detector stopped")
			return nil
		case <-ticker.Chan():
			r.Tick()
		}
	}
}

// Tick processes a single frame. It reports whether a trigger was emitted.
func (r *Runner) Tick() bool {
	frame, ok := r.source.Frame()
	if !ok || frame == nil {
		return false
	}

	res := r.detector.Process(frame, r.layout.Zones(frame.Bounds()))
	if r.config.OnResult != nil {
		r.config.OnResult(res)
	}

	if !res.Crossed {
		return false
	}
	if r.config.Active != nil && !r.config.Active() {
		return false
	}
	if !r.detector.Accept(r.clock.Now()) {
		log.Debug().Float64("activity", res.Activity).Msg("crossing suppressed by cooldown")
		return false
	}

	log.Info().
		Floats64("scores", res.Scores).
		Float64("threshold", res.Threshold).
		Msg("motion detected (triple beam)")
	if r.config.OnTrigger != nil {
		r.config.OnTrigger()
	}
	return true
}
