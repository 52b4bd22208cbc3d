package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/sprintgates/go/internal/models"
)

// display renders the running stopwatch on one terminal line. The stopwatch
// feed ticks every frame, so redraws are throttled to interval.
type display struct {
	out      io.Writer
	clock    clockwork.Clock
	interval time.Duration

	mu    sync.Mutex
	state models.AppState
	drawn time.Time
}

func newDisplay(out io.Writer, clock clockwork.Clock, interval time.Duration) *display {
	return &display{
		out:      out,
		clock:    clock,
		interval: interval,
		state:    models.AppStateIdle,
	}
}

// StateChanged is called on the timing loop for every state write.
func (d *display) StateChanged(state models.AppState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state == d.state {
		return
	}
	d.state = state
	d.drawn = time.Time{}
	fmt.Fprintf(d.out, "\n[%s]\n", state)
}

// Tick is called from the stopwatch feed with the live elapsed time.
func (d *display) Tick(elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	if d.state != models.AppStateRunning || (!d.drawn.IsZero() && now.Sub(d.drawn) < d.interval) {
		return
	}
	d.drawn = now
	fmt.Fprintf(d.out, "\r%s ", formatElapsed(elapsed))
}
