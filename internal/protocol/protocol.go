// Package protocol defines the command, event and result payloads exchanged
// between the supervisor and the worker over the wire codec. Both processes
// import this package; nothing here touches sockets or state.
package protocol

// Command kinds accepted by the worker.
const (
	CmdStartSession = "start_session"
	CmdStopSession  = "stop_session"
	CmdUpdateConfig = "update_config"
	CmdShutdown     = "shutdown"
)

// Event kinds emitted by the worker.
const (
	EvtStateChanged      = "state_changed"
	EvtLoadingModel      = "loading_model"
	EvtPlacementDecision = "placement_decision_required"
	EvtLowHeadroom       = "low_headroom_warning"
)

// ModelKind identifies which engine slot a model occupies.
type ModelKind string

const (
	ModelASR        ModelKind = "asr"
	ModelRefinement ModelKind = "refinement"
)

// Device is a model placement target.
type Device string

const (
	DeviceAccelerator Device = "accelerator"
	DeviceFallback    Device = "fallback"
)

// Placement override values carried in a ConfigDelta after an explicit user
// decision on a low-headroom load.
const (
	PlacementForceAccelerator = "force_accelerator"
	PlacementFallback         = "fallback"
)

// StopSession carries the captured audio. Samples travels base64-encoded
// through the JSON envelope.
type StopSession struct {
	Samples    []byte `json:"samples"`
	SampleRate int    `json:"sample_rate"`
}

// ConfigDelta is a partial configuration update. Nil fields are untouched;
// set fields replace the worker's current value. A model id change triggers
// a reload at the next idle transition.
type ConfigDelta struct {
	ASRModel      *string `json:"asr_model,omitempty"`
	RefineModel   *string `json:"refine_model,omitempty"`
	Device        *string `json:"device,omitempty"`
	RefineEnabled *bool   `json:"refine_enabled,omitempty"`
	// Placement resolves a pending low-headroom decision. Valid values are
	// PlacementForceAccelerator and PlacementFallback.
	Placement *string `json:"placement,omitempty"`
}

// Merge overlays d with later, field by field. Later wins where set.
func (d ConfigDelta) Merge(later ConfigDelta) ConfigDelta {
	out := d
	if later.ASRModel != nil {
		out.ASRModel = later.ASRModel
	}
	if later.RefineModel != nil {
		out.RefineModel = later.RefineModel
	}
	if later.Device != nil {
		out.Device = later.Device
	}
	if later.RefineEnabled != nil {
		out.RefineEnabled = later.RefineEnabled
	}
	if later.Placement != nil {
		out.Placement = later.Placement
	}
	return out
}

// Empty reports whether the delta changes nothing.
func (d ConfigDelta) Empty() bool {
	return d.ASRModel == nil && d.RefineModel == nil && d.Device == nil &&
		d.RefineEnabled == nil && d.Placement == nil
}

// Result is the correlated payload for a completed stop_session.
type Result struct {
	Text             string `json:"text"`
	DurationMS       int64  `json:"duration_ms"`
	SpeechDurationMS int64  `json:"speech_duration_ms"`
	Refined          bool   `json:"refined,omitempty"`
}

// Ack is the correlated payload for commands that complete immediately.
type Ack struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// StateChanged announces a session state transition.
type StateChanged struct {
	State string `json:"state"`
}

// LoadingModel announces the start of a model (re)load.
type LoadingModel struct {
	Kind           ModelKind `json:"kind"`
	ModelID        string    `json:"model_id"`
	Device         Device    `json:"device,omitempty"`
	FootprintBytes uint64    `json:"footprint_bytes,omitempty"`
}

// PlacementDecision asks the user to choose between forcing accelerator
// placement and the fallback path when headroom is below the ask threshold.
type PlacementDecision struct {
	Kind           ModelKind `json:"kind"`
	ModelID        string    `json:"model_id"`
	FootprintBytes uint64    `json:"footprint_bytes"`
	FreeBytes      uint64    `json:"free_bytes"`
	TotalBytes     uint64    `json:"total_bytes"`
}

// Error codes carried in ErrorBody.Code.
const (
	ErrCodeBadState     = "bad_state"
	ErrCodeBadCommand   = "bad_command"
	ErrCodeInference    = "inference_failed"
	ErrCodeReloadFailed = "reload_failed"
	ErrCodeEngineFault  = "engine_fault"
	ErrCodeWorkerLost   = "worker_lost"
	ErrCodeShuttingDown = "shutting_down"
)

// ErrorBody is the payload of an error frame. CorrelatedID is empty for
// uncorrelated faults such as an engine going bad between commands.
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	CorrelatedID string `json:"correlated_id,omitempty"`
}
