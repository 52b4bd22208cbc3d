package calibration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompensation(t *testing.T) {
	assert.Equal(t, int64(0), Compensation(0))
	assert.Equal(t, int64(0), Compensation(1))
	assert.Equal(t, int64(60), Compensation(120))
	assert.Equal(t, int64(60), Compensation(121))
	assert.Equal(t, int64(0), Compensation(-4))
}

func TestFinishAveragesOnlyDevicesWithSamples(t *testing.T) {
	c := New(0)
	c.Begin()

	for _, rtt := range []int{100, 120, 140, 121} {
		require.True(t, c.Record("a", time.Duration(rtt)*time.Millisecond))
	}
	c.Record("b", 40*time.Millisecond)

	averages := c.Finish()
	assert.Equal(t, map[string]int64{"a": 120, "b": 40}, averages)
	assert.False(t, c.Collecting())

	_, ok := averages["c"]
	assert.False(t, ok)
}

func TestRecordOutsideWindowIsDropped(t *testing.T) {
	c := New(0)
	assert.False(t, c.Record("a", time.Millisecond))

	c.Begin()
	c.Record("a", 10*time.Millisecond)
	c.Finish()
	assert.False(t, c.Record("a", 10*time.Millisecond))
	assert.Equal(t, 1, c.SampleCount("a"))
}

func TestBeginClearsStaleSamples(t *testing.T) {
	c := New(0)
	c.Begin()
	c.Record("a", 500*time.Millisecond)
	c.Finish()

	c.Begin()
	assert.Zero(t, c.SampleCount("a"))
	c.Record("a", 20*time.Millisecond)
	assert.Equal(t, map[string]int64{"a": 20}, c.Finish())
}

func TestForgetAndCancel(t *testing.T) {
	c := New(0)
	c.Begin()
	c.Record("a", 10*time.Millisecond)
	c.Record("b", 10*time.Millisecond)
	c.Forget("a")
	assert.Zero(t, c.SampleCount("a"))

	c.Cancel()
	assert.False(t, c.Collecting())
	assert.Empty(t, c.Finish())
}

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow[int64](3)
	for _, x := range []int64{1000, 10, 20, 30} {
		w.Add(x)
	}
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, int64(20), w.Mean())
	assert.Equal(t, int64(10), w.StdDev())

	w.Clear()
	assert.Zero(t, w.Len())
	assert.Zero(t, w.Mean())
	assert.Zero(t, w.StdDev())
}

func TestIntervals(t *testing.T) {
	i := DefaultIntervals()
	assert.Equal(t, 100*time.Millisecond, i.For(true))
	assert.Equal(t, 2*time.Second, i.For(false))
}
