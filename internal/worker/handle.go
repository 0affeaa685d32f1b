package worker

import "dictd/internal/protocol"

// ModelHandle is the worker's record of one loaded model slot. Handles are
// mutated only by the worker's main goroutine, only during a reload, and
// are read-only once loaded.
type ModelHandle struct {
	Kind           protocol.ModelKind
	ModelID        string
	FootprintBytes uint64
	Device         protocol.Device
	Loaded         bool
}

// invalidate marks the handle unusable. An invalidated handle must never
// serve new requests; its engine is released before a replacement exists
// only on the failure path, which transitions the session to failed.
func (h *ModelHandle) invalidate() {
	if h != nil {
		h.Loaded = false
	}
}
