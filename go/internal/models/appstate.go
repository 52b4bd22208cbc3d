package models

// AppState is the timing state of a session. The host's value is canonical;
// clients mirror it from STATE_SYNC broadcasts.
type AppState string

const (
	AppStateIdle        AppState = "IDLE"
	AppStateCalibrating AppState = "CALIBRATING"
	AppStateArmed       AppState = "ARMED"
	AppStateRunning     AppState = "RUNNING"
	AppStateFinished    AppState = "FINISHED"
)

// Valid reports whether s is one of the known states.
func (s AppState) Valid() bool {
	switch s {
	case AppStateIdle, AppStateCalibrating, AppStateArmed, AppStateRunning, AppStateFinished:
		return true
	}
	return false
}

// AcceptsTriggers reports whether a crossing is meaningful in this state.
func (s AppState) AcceptsTriggers() bool {
	return s == AppStateArmed || s == AppStateRunning
}
