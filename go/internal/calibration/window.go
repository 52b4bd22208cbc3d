package calibration

import (
	"math"

	"github.com/ddirect/container/fifo"
	"golang.org/x/exp/constraints"
)

// Window is a bounded FIFO of samples with a running sum, so the mean and
// spread are available without rescanning. The oldest sample is dropped once
// the window is full. The zero value is not usable; use NewWindow.
type Window[T constraints.Signed] struct {
	samples    fifo.Fifo[T]
	maxSamples int
	sum        int64
	sum2       float64
}

// NewWindow creates a window holding at most maxSamples samples.
func NewWindow[T constraints.Signed](maxSamples int) *Window[T] {
	return &Window[T]{maxSamples: maxSamples}
}

// Add appends a sample, evicting the oldest when full.
func (w *Window[T]) Add(x T) {
	if w.maxSamples > 0 && w.samples.Len() >= w.maxSamples {
		w.evict()
	}
	w.samples.Enqueue(x)
	w.sum += int64(x)
	w.sum2 += float64(x) * float64(x)
}

// Len returns the number of samples held.
func (w *Window[T]) Len() int {
	return w.samples.Len()
}

// Mean returns the average rounded to the nearest integer, or zero when empty.
func (w *Window[T]) Mean() T {
	n := w.samples.Len()
	if n == 0 {
		return 0
	}
	return T(math.Round(float64(w.sum) / float64(n)))
}

// StdDev returns the sample standard deviation, or zero with fewer than two samples.
func (w *Window[T]) StdDev() T {
	n := float64(w.samples.Len())
	if n < 2 {
		return 0
	}
	mean := float64(w.sum) / n
	variance := (w.sum2 - n*mean*mean) / (n - 1)
	if variance < 0 {
		return 0
	}
	return T(math.Round(math.Sqrt(variance)))
}

// Clear drops every sample.
func (w *Window[T]) Clear() {
	for w.samples.Len() > 0 {
		w.evict()
	}
	w.sum = 0
	w.sum2 = 0
}

func (w *Window[T]) evict() {
	if x, ok := w.samples.Dequeue(); ok {
		w.sum -= int64(x)
		w.sum2 -= float64(x) * float64(x)
	}
}
