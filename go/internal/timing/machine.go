// Package timing is the orchestrator. A Machine owns the canonical AppState
// and the stopwatch, decides what a trigger means for the local role, applies
// latency compensation and tells the session what to broadcast.
package timing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/sprintgates/go/internal/calibration"
	"github.com/mcdev12/sprintgates/go/internal/eventloop"
	"github.com/mcdev12/sprintgates/go/internal/models"
	"github.com/mcdev12/sprintgates/go/internal/protocol"
	"github.com/mcdev12/sprintgates/go/internal/schedule"
	"github.com/mcdev12/sprintgates/go/internal/session"
	"github.com/mcdev12/sprintgates/go/internal/stopwatch"
	"github.com/rs/zerolog/log"
)

// Session is the part of the session manager the machine drives. All
// methods are called on the machine's loop.
type Session interface {
	Role() models.Role
	PeerCount() int
	Device(peerID string) (models.Device, bool)
	Roster() []models.Device
	SetAvgLatency(peerID string, avgRTT int64) bool
	Broadcast(msg protocol.Message) int
	SendToHost(msg protocol.Message) bool
	Host(code string) (string, error)
	Join(code string) error
	Teardown()
	Info() models.SessionInfo
}

var _ session.Handler = (*Machine)(nil)

// Config holds timing tuning.
type Config struct {
	// CalibrationWarmup and CalibrationWindow together are the delay between
	// arming and becoming Armed on a host.
	CalibrationWarmup time.Duration
	CalibrationWindow time.Duration
	// StandaloneArmDelay replaces calibration on a device with no peers.
	StandaloneArmDelay time.Duration
	Probes             calibration.Intervals
	MaxSamples         int
	// ClientTriggerLock allows a client one TRIGGER per run, released by the
	// next Idle or Armed sync from the host.
	ClientTriggerLock bool
	Stopwatch         stopwatch.Config
	// OnStateChange, if set, is called on the loop after every transition.
	OnStateChange func(models.AppState)
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		CalibrationWarmup:  500 * time.Millisecond,
		CalibrationWindow:  3000 * time.Millisecond,
		StandaloneArmDelay: 1500 * time.Millisecond,
		Probes:             calibration.DefaultIntervals(),
		MaxSamples:         calibration.DefaultMaxSamples,
		Stopwatch:          stopwatch.DefaultConfig(),
	}
}

// Status is a point-in-time view for display.
type Status struct {
	State   models.AppState    `json:"state"`
	Elapsed time.Duration      `json:"elapsed"`
	Splits  []models.Split     `json:"splits"`
	Session models.SessionInfo `json:"session"`
}

// Machine is the timing state machine. Its state is confined to its event
// loop; the exported commands post onto the loop and are safe to call from
// any goroutine.
type Machine struct {
	clock      clockwork.Clock
	config     Config
	loop       *eventloop.Loop
	session    Session
	stopwatch  *stopwatch.Stopwatch
	calibrator *calibration.Calibrator

	state     models.AppState
	published atomic.Value

	// generation invalidates calibration callbacks from a previous arm.
	generation  uint64
	calibration *schedule.Task

	probeGeneration uint64
	probeInterval   time.Duration
	probes          *schedule.Task

	triggerLocked bool
}

// New creates an idle machine. Attach a session before calling Run.
func New(clock clockwork.Clock, config Config) *Machine {
	m := &Machine{
		clock:      clock,
		config:     config,
		loop:       eventloop.New(0),
		stopwatch:  stopwatch.New(clock, config.Stopwatch),
		calibrator: calibration.New(config.MaxSamples),
		state:      models.AppStateIdle,
	}
	m.published.Store(models.AppStateIdle)
	return m
}

// Loop returns the machine's event loop, which the session dispatches onto.
func (m *Machine) Loop() *eventloop.Loop {
	return m.loop
}

// Attach sets the session. It must be called before Run.
func (m *Machine) Attach(s Session) {
	m.session = s
}

// Run processes events until ctx is cancelled, then cancels every timer.
func (m *Machine) Run(ctx context.Context) {
	log.Info().Msg("timing machine started")
	m.loop.Run(ctx)

	m.calibration.Stop()
	m.probes.Stop()
	m.stopwatch.Reset()
	log.Info().Msg("timing machine stopped")
}

// Arm starts a new run: calibration on a host, a short settle delay when
// standalone.
func (m *Machine) Arm() { m.loop.Post(m.arm) }

// Trigger reports a local crossing, from the detector or a manual button.
func (m *Machine) Trigger() { m.loop.Post(m.localTrigger) }

// Stop freezes a running stopwatch and moves to Finished.
func (m *Machine) Stop() { m.loop.Post(m.stop) }

// Reset returns to Idle, cancelling calibration and clearing splits.
func (m *Machine) Reset() { m.loop.Post(m.reset) }

// Host starts hosting under code, or a generated code when empty.
func (m *Machine) Host(code string) (string, error) {
	var (
		assigned string
		err      error
	)
	if callErr := m.loop.Call(func() {
		assigned, err = m.session.Host(code)
		m.refreshProbes()
	}); callErr != nil {
		return "", callErr
	}
	return assigned, err
}

// Join connects to the host with the given code.
func (m *Machine) Join(code string) error {
	var err error
	if callErr := m.loop.Call(func() {
		err = m.session.Join(code)
		m.triggerLocked = false
		m.refreshProbes()
	}); callErr != nil {
		return callErr
	}
	return err
}

// Leave tears down the session and waits until its endpoint is closed. The
// device continues standalone.
func (m *Machine) Leave() error {
	return m.loop.Call(func() {
		m.session.Teardown()
		m.triggerLocked = false
		m.refreshProbes()
	})
}

// Status returns the current state, elapsed time, splits and session.
func (m *Machine) Status() (Status, error) {
	var st Status
	err := m.loop.Call(func() {
		st = Status{
			State:   m.state,
			Elapsed: m.stopwatch.Elapsed(),
			Splits:  m.stopwatch.Splits(),
			Session: m.session.Info(),
		}
	})
	return st, err
}

// AcceptsTriggers reports whether a crossing is meaningful right now. It is
// safe to call from the detector's goroutine.
func (m *Machine) AcceptsTriggers() bool {
	return m.published.Load().(models.AppState).AcceptsTriggers()
}

// Elapsed returns the stopwatch reading. It is safe to call from any goroutine.
func (m *Machine) Elapsed() time.Duration {
	return m.stopwatch.Elapsed()
}

func (m *Machine) standalone() bool {
	switch m.session.Role() {
	case models.RoleHost:
		return false
	case models.RoleClient:
		return m.session.PeerCount() == 0
	default:
		return true
	}
}

func (m *Machine) isHost() bool {
	return m.session.Role() == models.RoleHost
}

func (m *Machine) setState(state models.AppState) {
	if m.state != state {
		log.Info().Str("from", string(m.state)).Str("to", string(state)).Msg("state changed")
	}
	m.state = state
	m.published.Store(state)
	m.refreshProbes()
	if m.config.OnStateChange != nil {
		m.config.OnStateChange(state)
	}
}

// broadcastState sends the current state to every peer. Without peers
// nothing is sent.
func (m *Machine) broadcastState(snapshot models.TimerStateSnapshot) {
	if !m.isHost() || m.session.PeerCount() == 0 {
		return
	}
	sent := m.session.Broadcast(protocol.StateSync(snapshot))
	log.Debug().
		Str("state", string(snapshot.State)).
		Int("splits", len(snapshot.Splits)).
		Int("peers", sent).
		Msg("state broadcast")
}

func (m *Machine) cancelCalibration() {
	m.generation++
	m.calibration.Stop()
	m.calibration = nil
	m.calibrator.Cancel()
}

func (m *Machine) arm() {
	if !m.isHost() && !m.standalone() {
		log.Warn().Msg("arm ignored, the host arms the session")
		return
	}

	m.cancelCalibration()
	m.stopwatch.Reset()
	m.triggerLocked = false
	generation := m.generation

	if !m.isHost() {
		log.Info().Dur("delay", m.config.StandaloneArmDelay).Msg("arming standalone")
		m.setState(models.AppStateCalibrating)
		m.calibration = schedule.After(m.clock, m.config.StandaloneArmDelay, func() {
			m.loop.Post(func() { m.finishStandalone(generation) })
		})
		return
	}

	delay := m.config.CalibrationWarmup + m.config.CalibrationWindow
	log.Info().
		Dur("delay", delay).
		Int("peers", m.session.PeerCount()).
		Msg("arming, calibrating latency")

	m.calibrator.Begin()
	m.setState(models.AppStateCalibrating)
	m.broadcastState(models.TimerStateSnapshot{
		State:         models.AppStateCalibrating,
		Splits:        []models.Split{},
		ElapsedOffset: models.Millis(0),
	})

	m.calibration = schedule.After(m.clock, delay, func() {
		m.loop.Post(func() { m.finishCalibration(generation) })
	})
}

func (m *Machine) finishStandalone(generation uint64) {
	if generation != m.generation || m.state != models.AppStateCalibrating {
		return
	}
	m.calibration = nil
	m.setState(models.AppStateArmed)
}

func (m *Machine) finishCalibration(generation uint64) {
	if generation != m.generation || m.state != models.AppStateCalibrating {
		return
	}
	m.calibration = nil

	averages := m.calibrator.Finish()
	for _, device := range m.session.Roster() {
		avg := averages[device.ID]
		m.session.SetAvgLatency(device.ID, avg)
		log.Info().
			Str("peer_id", device.ID).
			Str("name", device.DisplayName).
			Int64("avg_rtt_ms", avg).
			Int64("compensation_ms", calibration.Compensation(avg)).
			Msg("calibration complete")
	}

	m.setState(models.AppStateArmed)
	m.broadcastState(models.TimerStateSnapshot{
		State:         models.AppStateArmed,
		Splits:        []models.Split{},
		ElapsedOffset: models.Millis(0),
	})
}

func (m *Machine) localTrigger() {
	if m.isHost() || m.standalone() {
		m.handleTrigger("")
		return
	}

	if m.config.ClientTriggerLock && m.triggerLocked {
		log.Debug().Msg("trigger ignored, already sent this run")
		return
	}
	if !m.session.SendToHost(protocol.Trigger()) {
		log.Warn().Msg("cannot send trigger, host disconnected")
		return
	}
	log.Info().Msg("trigger sent to host")
	if m.config.ClientTriggerLock {
		m.triggerLocked = true
	}
}

// handleTrigger applies a trigger as timekeeper. origin is empty for a
// local crossing, otherwise the peer that sent TRIGGER.
func (m *Machine) handleTrigger(origin string) {
	var compensation time.Duration
	if origin != "" {
		if device, ok := m.session.Device(origin); ok && device.Calibrated() {
			compensation = time.Duration(calibration.Compensation(device.AvgLatency)) * time.Millisecond
			log.Debug().
				Str("peer_id", origin).
				Int64("avg_rtt_ms", device.AvgLatency).
				Dur("compensation", compensation).
				Msg("applying latency compensation")
		}
	}

	now := m.clock.Now()
	effective := now.Add(-compensation)

	switch m.state {
	case models.AppStateArmed:
		m.stopwatch.Start(effective)
		log.Info().Str("origin", originName(origin)).Msg("run started")
		m.setState(models.AppStateRunning)
		m.broadcastState(models.TimerStateSnapshot{
			State:         models.AppStateRunning,
			StartAnchor:   models.UnixMilli(effective),
			Splits:        []models.Split{},
			ElapsedOffset: models.Millis(now.Sub(effective)),
		})

	case models.AppStateRunning:
		current := m.stopwatch.Elapsed()
		compensated := max(0, current-compensation)

		split, ok := m.stopwatch.RecordSplit(&compensated)
		if !ok {
			log.Debug().Str("origin", originName(origin)).Msg("split ignored by debounce")
			return
		}
		log.Info().
			Str("origin", originName(origin)).
			Int64("time_ms", split.Time).
			Int64("diff_ms", split.Diff).
			Msg("split recorded")
		m.broadcastState(models.TimerStateSnapshot{
			State:         models.AppStateRunning,
			StartAnchor:   models.UnixMilli(now.Add(-current)),
			Splits:        m.stopwatch.Splits(),
			ElapsedOffset: models.Millis(current),
		})

	default:
		log.Info().
			Str("state", string(m.state)).
			Str("origin", originName(origin)).
			Msg("trigger ignored")
	}
}

func (m *Machine) stop() {
	if !m.isHost() && !m.standalone() {
		log.Warn().Msg("stop ignored, the host controls the run")
		return
	}
	if m.state != models.AppStateRunning {
		log.Debug().Str("state", string(m.state)).Msg("stop ignored, not running")
		return
	}

	m.stopwatch.Stop()
	elapsed := m.stopwatch.Elapsed()
	log.Info().Dur("elapsed", elapsed).Msg("run finished")

	m.setState(models.AppStateFinished)
	m.broadcastState(models.TimerStateSnapshot{
		State:         models.AppStateFinished,
		Splits:        m.stopwatch.Splits(),
		ElapsedOffset: models.Millis(elapsed),
	})
}

func (m *Machine) reset() {
	m.cancelCalibration()
	m.stopwatch.Reset()
	m.triggerLocked = false
	m.setState(models.AppStateIdle)
	m.broadcastState(models.TimerStateSnapshot{
		State:         models.AppStateIdle,
		Splits:        []models.Split{},
		ElapsedOffset: models.Millis(0),
	})
}

// applySync overwrites local state with the host's snapshot.
func (m *Machine) applySync(snapshot models.TimerStateSnapshot) {
	// a pending standalone arm is superseded by the host
	m.cancelCalibration()

	m.stopwatch.SyncState(snapshot.Elapsed(), snapshot.Splits, snapshot.Running())
	if snapshot.State == models.AppStateIdle || snapshot.State == models.AppStateArmed {
		m.triggerLocked = false
	}
	m.setState(snapshot.State)
}

func originName(origin string) string {
	if origin == "" {
		return "local"
	}
	return origin
}
