package stopwatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/sprintgates/go/internal/models"
	"github.com/mcdev12/sprintgates/go/internal/schedule"
)

// Config holds stopwatch tuning.
type Config struct {
	// FrameInterval is the cadence of the elapsed-time feed.
	FrameInterval time.Duration
	// SplitDebounce rejects a split closer than this to the previous one.
	SplitDebounce time.Duration
	// OnTick, if set, receives the elapsed time on every feed tick.
	OnTick func(elapsed time.Duration)
}

// DefaultConfig returns a 60Hz feed and a 100ms split debounce.
func DefaultConfig() Config {
	return Config{
		FrameInterval: 16 * time.Millisecond,
		SplitDebounce: 100 * time.Millisecond,
	}
}

// Stopwatch tracks elapsed time from a start anchor and records splits.
// It is safe for concurrent use; the feed goroutine and the owner share it.
type Stopwatch struct {
	clock  clockwork.Clock
	config Config

	mu        sync.Mutex
	anchor    time.Time
	running   bool
	elapsed   time.Duration
	splits    []models.Split
	lastSplit time.Duration
	feed      *schedule.Task
}

// New creates a stopped stopwatch.
func New(clock clockwork.Clock, config Config) *Stopwatch {
	if config.FrameInterval <= 0 {
		config.FrameInterval = DefaultConfig().FrameInterval
	}
	return &Stopwatch{
		clock:  clock,
		config: config,
	}
}

// Start anchors the stopwatch at anchor, or now when anchor is zero. It is a
// no-op returning false if already running.
func (s *Stopwatch) Start(anchor time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}
	if anchor.IsZero() {
		anchor = s.clock.Now()
	}
	s.anchor = anchor
	s.running = true
	s.lastSplit = 0
	s.startFeedLocked()
	return true
}

// Stop freezes the elapsed time and clears the anchor. There is no resume.
func (s *Stopwatch) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopFeedLocked()
	if s.running {
		s.elapsed = s.clock.Since(s.anchor)
	}
	s.running = false
	s.anchor = time.Time{}
}

// Reset clears the anchor, the elapsed time and all splits.
func (s *Stopwatch) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopFeedLocked()
	s.running = false
	s.anchor = time.Time{}
	s.elapsed = 0
	s.lastSplit = 0
	s.splits = nil
}

// RecordSplit appends a split at explicit, or at the current elapsed time
// when explicit is nil. It returns false without recording when the split
// would land within the debounce window of the previous one.
func (s *Stopwatch) RecordSplit(explicit *time.Duration) (models.Split, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.elapsedLocked()
	if explicit != nil {
		current = *explicit
	}

	if n := len(s.splits); n > 0 {
		if current-s.splits[n-1].Elapsed() < s.config.SplitDebounce {
			return models.Split{}, false
		}
	}

	split := models.Split{
		ID:   newSplitID(),
		Time: current.Milliseconds(),
		Diff: (current - s.lastSplit).Milliseconds(),
	}
	s.lastSplit = current
	s.splits = append(s.splits, split)
	return split, true
}

// SyncState replaces the split list and rebases the stopwatch on an elapsed
// offset supplied by the host. Only the offset is trusted; the anchor is
// recomputed against the local clock.
func (s *Stopwatch) SyncState(elapsedOffset time.Duration, splits []models.Split, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.splits = append([]models.Split(nil), splits...)
	if n := len(s.splits); n > 0 {
		s.lastSplit = s.splits[n-1].Elapsed()
	} else {
		s.lastSplit = 0
	}

	if running {
		s.anchor = s.clock.Now().Add(-elapsedOffset)
		s.running = true
		if s.feed == nil {
			s.startFeedLocked()
		}
		return
	}

	s.stopFeedLocked()
	s.running = false
	s.anchor = time.Time{}
	s.elapsed = elapsedOffset
}

// Elapsed returns the time since the anchor while running, or the frozen
// elapsed time otherwise.
func (s *Stopwatch) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

// Running reports whether the stopwatch has an anchor.
func (s *Stopwatch) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Anchor returns the start anchor and whether the stopwatch is running.
func (s *Stopwatch) Anchor() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchor, s.running
}

// Splits returns a copy of the recorded splits.
func (s *Stopwatch) Splits() []models.Split {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Split{}, s.splits...)
}

func (s *Stopwatch) elapsedLocked() time.Duration {
	if s.running {
		return s.clock.Since(s.anchor)
	}
	return s.elapsed
}

func (s *Stopwatch) startFeedLocked() {
	s.stopFeedLocked()
	s.feed = schedule.Every(s.clock, s.config.FrameInterval, s.tick)
}

func (s *Stopwatch) stopFeedLocked() {
	if s.feed != nil {
		s.feed.Stop()
		s.feed = nil
	}
}

func (s *Stopwatch) tick() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.elapsed = s.clock.Since(s.anchor)
	elapsed := s.elapsed
	onTick := s.config.OnTick
	s.mu.Unlock()

	if onTick != nil {
		onTick(elapsed)
	}
}

func newSplitID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
