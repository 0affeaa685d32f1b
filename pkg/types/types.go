// Package types holds the JSON DTOs exposed by the dictd HTTP API.
package types

// ModelInfo describes one discovered model file.
type ModelInfo struct {
	// Model id. The filename inside the scanned directory.
	// example: ggml-small.bin
	ID string `json:"id" example:"ggml-small.bin"`
	// Model kind: asr or refinement.
	// example: asr
	Kind string `json:"kind" example:"asr"`
	// Absolute path to the model file.
	Path string `json:"path"`
	// File size in bytes.
	SizeBytes int64 `json:"size_bytes"`
	// Estimated loaded footprint in bytes (size plus runtime overhead).
	FootprintBytes uint64 `json:"footprint_bytes"`
}

// ModelsResponse wraps the list returned by GET /models.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// LoadedModel summarizes one worker model slot for /status.
type LoadedModel struct {
	// Slot kind: asr or refinement.
	// example: asr
	Kind string `json:"kind" example:"asr"`
	// Loaded model id, empty when the slot is vacant.
	ModelID string `json:"model_id,omitempty"`
	// Placement device: accelerator or fallback.
	// example: accelerator
	Device string `json:"device,omitempty" example:"accelerator"`
	// Estimated footprint in bytes.
	FootprintBytes uint64 `json:"footprint_bytes,omitempty"`
}

// StatusResponse is the payload of GET /status.
type StatusResponse struct {
	// Mirrored worker session state.
	// example: idle
	SessionState string `json:"session_state" example:"idle"`
	// Whether the worker process is currently believed alive.
	WorkerAlive bool `json:"worker_alive"`
	// Number of worker respawns since the daemon started.
	WorkerRestarts int `json:"worker_restarts"`
	// Unix seconds of the last heartbeat observed from the worker.
	LastHeartbeatUnix int64 `json:"last_heartbeat_unix,omitempty"`
	// Outstanding correlated requests awaiting a result.
	PendingRequests int `json:"pending_requests"`
	// Loaded model slots.
	Models []LoadedModel `json:"models"`
	// Last error surfaced by the control plane, empty when healthy.
	Error string `json:"error,omitempty"`
}

// RecordResponse acknowledges a record start/stop; the transcription result
// arrives later on the event stream.
type RecordResponse struct {
	// Correlation id of the in-flight request.
	RequestID string `json:"request_id"`
}

// RecordStopRequest carries the captured audio for POST /record/stop.
// Samples is base64-encoded 16 kHz mono PCM16.
type RecordStopRequest struct {
	Samples    []byte `json:"samples"`
	SampleRate int    `json:"sample_rate"`
}

// ConfigDeltaRequest is the body of POST /config. Absent fields are
// untouched.
type ConfigDeltaRequest struct {
	ASRModel      *string `json:"asr_model,omitempty"`
	RefineModel   *string `json:"refine_model,omitempty"`
	Device        *string `json:"device,omitempty"`
	RefineEnabled *bool   `json:"refine_enabled,omitempty"`
}

// PlacementDecisionRequest resolves a pending low-headroom model load.
type PlacementDecisionRequest struct {
	// Decision: force_accelerator or fallback.
	// example: fallback
	Decision string `json:"decision" example:"fallback"`
}

// UIEvent is one element of the /events stream consumed by user interfaces.
type UIEvent struct {
	// Event kind: state_changed, loading_model, result, error, worker_lost,
	// reconnecting, placement_decision_required.
	// example: state_changed
	Kind string `json:"kind" example:"state_changed"`
	// Mirrored session state for state_changed events.
	State string `json:"state,omitempty"`
	// Model kind for loading_model and placement events.
	ModelKind string `json:"model_kind,omitempty"`
	// Model id for loading_model and placement events.
	ModelID string `json:"model_id,omitempty"`
	// Final transcription text for result events.
	Text string `json:"text,omitempty"`
	// Total transcription wall time for result events.
	DurationMS int64 `json:"duration_ms,omitempty"`
	// Detected speech duration for result events.
	SpeechDurationMS int64 `json:"speech_duration_ms,omitempty"`
	// Error code for error events.
	Code string `json:"code,omitempty"`
	// Human-readable detail for error events.
	Message string `json:"message,omitempty"`
	// Correlation id tying an error to a request, when known.
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: unknown model id
	Error string `json:"error" example:"unknown model id"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}
