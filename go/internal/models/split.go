package models

import "time"

// Split is an intermediate time recorded during a run. Time and Diff are
// milliseconds; Time is measured from the run start and Diff from the
// previous split (or the start for the first one).
type Split struct {
	ID   string `json:"id"`
	Time int64  `json:"time"`
	Diff int64  `json:"diff"`
}

// Elapsed returns the split time as a duration.
func (s Split) Elapsed() time.Duration {
	return time.Duration(s.Time) * time.Millisecond
}

// Since returns the split's diff as a duration.
func (s Split) Since() time.Duration {
	return time.Duration(s.Diff) * time.Millisecond
}
