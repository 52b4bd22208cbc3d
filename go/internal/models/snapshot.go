package models

import "time"

// TimerStateSnapshot is the STATE_SYNC payload. StartAnchor is an absolute
// unix time in ms and is nil while not running. ElapsedOffset is the sender's
// elapsed time in ms at the moment the snapshot was taken.
type TimerStateSnapshot struct {
	State         AppState `json:"state"`
	StartAnchor   *int64   `json:"startTime"`
	Splits        []Split  `json:"splits"`
	ElapsedOffset *int64   `json:"elapsedOffset,omitempty"`
}

// Elapsed returns the elapsed offset, or zero when absent.
func (s TimerStateSnapshot) Elapsed() time.Duration {
	if s.ElapsedOffset == nil {
		return 0
	}
	return time.Duration(*s.ElapsedOffset) * time.Millisecond
}

// Running reports whether the snapshot describes a running timer.
func (s TimerStateSnapshot) Running() bool {
	return s.State == AppStateRunning
}

// UnixMilli returns a pointer to t in unix milliseconds.
func UnixMilli(t time.Time) *int64 {
	ms := t.UnixMilli()
	return &ms
}

// Millis returns a pointer to d in whole milliseconds.
func Millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}
