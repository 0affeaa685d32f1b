package worker

// SessionState is the lifecycle state of the worker's single session.
type SessionState string

const (
	StateStarting     SessionState = "starting"
	StateIdle         SessionState = "idle"
	StateRecording    SessionState = "recording"
	StateTranscribing SessionState = "transcribing"
	StateReloading    SessionState = "reloading"
	StateFailed       SessionState = "failed"
	StateStopped      SessionState = "stopped"
)

// canStartSession reports whether a start_session command is legal now.
func (s SessionState) canStartSession() bool { return s == StateIdle }

// canStopSession reports whether a stop_session command is legal now.
func (s SessionState) canStopSession() bool { return s == StateRecording }

// terminal reports whether the session can never leave this state.
func (s SessionState) terminal() bool { return s == StateStopped }
