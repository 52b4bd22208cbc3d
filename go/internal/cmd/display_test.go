package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/sprintgates/go/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestDisplayThrottlesTicks(t *testing.T) {
	var out bytes.Buffer
	clock := clockwork.NewFakeClock()
	d := newDisplay(&out, clock, 100*time.Millisecond)

	d.Tick(time.Second)
	assert.Empty(t, out.String(), "nothing drawn before the run starts")

	d.StateChanged(models.AppStateRunning)
	assert.Equal(t, "\n[RUNNING]\n", out.String())
	out.Reset()

	d.Tick(1230 * time.Millisecond)
	clock.Advance(16 * time.Millisecond)
	d.Tick(1246 * time.Millisecond)
	assert.Equal(t, "\r00:01.23 ", out.String())

	clock.Advance(100 * time.Millisecond)
	d.Tick(1346 * time.Millisecond)
	assert.Equal(t, "\r00:01.23 \r00:01.34 ", out.String())
}

func TestDisplayIgnoresRepeatedState(t *testing.T) {
	var out bytes.Buffer
	d := newDisplay(&out, clockwork.NewFakeClock(), 100*time.Millisecond)

	d.StateChanged(models.AppStateIdle)
	assert.Empty(t, out.String())

	d.StateChanged(models.AppStateArmed)
	d.StateChanged(models.AppStateArmed)
	assert.Equal(t, "\n[ARMED]\n", out.String())
}
