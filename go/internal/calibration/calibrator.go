// Package calibration turns probe round trips into per-device latency
// compensation on the host.
package calibration

import (
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// FastProbeInterval is the probe cadence while calibrating.
	FastProbeInterval = 100 * time.Millisecond
	// SlowProbeInterval keeps connections warm at all other times.
	SlowProbeInterval = 2 * time.Second
	// DefaultMaxSamples bounds each device's window.
	DefaultMaxSamples = 512
)

// Compensation is the one-way delay assumed for a round trip, assuming the
// path is symmetric.
func Compensation(avgRTT int64) int64 {
	if avgRTT <= 0 {
		return 0
	}
	return avgRTT / 2
}

// Calibrator collects RTT samples per device during a calibration window.
// It is owned by the host's event loop and is not safe for concurrent use.
type Calibrator struct {
	maxSamples int
	collecting bool
	samples    map[string]*Window[int64]
}

// New creates an idle calibrator.
func New(maxSamples int) *Calibrator {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Calibrator{
		maxSamples: maxSamples,
		samples:    make(map[string]*Window[int64]),
	}
}

// Begin opens a new window, discarding samples from any previous one.
func (c *Calibrator) Begin() {
	c.samples = make(map[string]*Window[int64])
	c.collecting = true
}

// Collecting reports whether a window is open.
func (c *Calibrator) Collecting() bool {
	return c.collecting
}

// Record adds an RTT sample for a device. Samples outside a window are dropped.
func (c *Calibrator) Record(deviceID string, rtt time.Duration) bool {
	if !c.collecting {
		return false
	}
	w, ok := c.samples[deviceID]
	if !ok {
		w = NewWindow[int64](c.maxSamples)
		c.samples[deviceID] = w
	}
	w.Add(rtt.Milliseconds())
	return true
}

// SampleCount returns the number of samples held for a device.
func (c *Calibrator) SampleCount(deviceID string) int {
	if w, ok := c.samples[deviceID]; ok {
		return w.Len()
	}
	return 0
}

// Forget drops a device's samples, for example when it disconnects.
func (c *Calibrator) Forget(deviceID string) {
	delete(c.samples, deviceID)
}

// Finish closes the window and returns the average RTT in ms for each
// device that produced at least one sample.
func (c *Calibrator) Finish() map[string]int64 {
	c.collecting = false

	averages := make(map[string]int64, len(c.samples))
	for id, w := range c.samples {
		if w.Len() == 0 {
			continue
		}
		averages[id] = w.Mean()
		log.Debug().
			Str("device_id", id).
			Int("samples", w.Len()).
			Int64("avg_rtt_ms", w.Mean()).
			Int64("jitter_ms", w.StdDev()).
			Msg("calibration window reduced")
	}
	return averages
}

// Cancel closes the window without producing averages.
func (c *Calibrator) Cancel() {
	c.collecting = false
	c.samples = make(map[string]*Window[int64])
}

// Intervals are the two probe cadences.
type Intervals struct {
	Fast time.Duration
	Slow time.Duration
}

// DefaultIntervals returns 100ms while calibrating and 2s otherwise.
func DefaultIntervals() Intervals {
	return Intervals{Fast: FastProbeInterval, Slow: SlowProbeInterval}
}

// For returns the probe cadence for the current phase.
func (i Intervals) For(calibrating bool) time.Duration {
	if calibrating {
		return i.Fast
	}
	return i.Slow
}
