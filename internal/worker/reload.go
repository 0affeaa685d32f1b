package worker

import (
	"context"

	"dictd/internal/engine"
	"dictd/internal/gpu"
	"dictd/internal/protocol"
	"dictd/internal/registry"
	"dictd/pkg/types"
)

// pendingReload is the single deferred-reload slot. A second update_config
// before application merges into it, latest fields winning, so at most one
// reload ever runs per quiescent window.
type pendingReload struct {
	delta protocol.ConfigDelta
}

// slotPlan is one model slot's part of a reload: which model to load where.
type slotPlan struct {
	kind  protocol.ModelKind
	model types.ModelInfo
	dev   protocol.Device
}

// loadedSlot is a finished load waiting to be swapped in by the main loop.
type loadedSlot struct {
	handle      ModelHandle
	transcriber engine.Transcriber
	refiner     engine.Refiner
}

// reloadOutcome travels from the load goroutine back to the main loop.
type reloadOutcome struct {
	asr    *loadedSlot
	refine *loadedSlot
	// failedKind is the slot whose load failed, valid when err is set.
	failedKind protocol.ModelKind
	err        error
}

// maybeApplyReload starts the pending reload if the session is quiescent.
// The invariant here is load-bearing: a reload never starts while a request
// is active, so the session is never reloading with active work.
func (w *Worker) maybeApplyReload() {
	if w.pending == nil || w.inflight || w.activeRequestID != "" {
		return
	}
	if w.state != StateIdle && w.state != StateFailed && w.state != StateStarting {
		return
	}
	delta := w.pending.delta
	w.pending = nil

	// Non-load fields take effect immediately.
	if delta.Device != nil {
		w.device = *delta.Device
	}
	if delta.RefineEnabled != nil {
		w.refineEnabled = *delta.RefineEnabled
		if !w.refineEnabled {
			w.releaseRefiner()
		}
	}

	plans, ok := w.planReload(delta)
	if !ok {
		// Attempt aborted (unknown model or awaiting a user decision). The
		// previous handles keep serving; a session still starting becomes
		// idle with the slot vacant until the user answers.
		if w.state == StateStarting {
			w.setState(StateIdle)
		}
		return
	}
	if len(plans) == 0 {
		if w.state == StateFailed && w.handles[protocol.ModelASR] != nil && w.handles[protocol.ModelASR].Loaded {
			w.setState(StateIdle)
		}
		return
	}

	if w.state != StateStarting {
		w.setState(StateReloading)
	}
	for _, p := range plans {
		w.sendEvent(protocol.EvtLoadingModel, protocol.LoadingModel{
			Kind: p.kind, ModelID: p.model.ID, Device: p.dev, FootprintBytes: p.model.FootprintBytes,
		})
	}
	w.inflight = true
	go w.runReload(plans)
}

// planReload resolves targets and placement. Returns ok=false when the
// attempt must be aborted without loading anything.
func (w *Worker) planReload(delta protocol.ConfigDelta) ([]slotPlan, bool) {
	// An empty id leaves the slot unmanaged; it is not a load request.
	targets := map[protocol.ModelKind]string{}
	if delta.ASRModel != nil && *delta.ASRModel != "" {
		targets[protocol.ModelASR] = *delta.ASRModel
	}
	if delta.RefineModel != nil && *delta.RefineModel != "" && w.refineEnabled {
		targets[protocol.ModelRefinement] = *delta.RefineModel
	}
	// A device change re-places already-loaded models too.
	if delta.Device != nil {
		for kind, h := range w.handles {
			if h.Loaded {
				if _, explicit := targets[kind]; !explicit {
					targets[kind] = h.ModelID
				}
			}
		}
	}
	// Skip slots already serving the requested model, unless the device
	// preference just changed.
	for kind, id := range targets {
		if delta.Device == nil && delta.Placement == nil {
			if h := w.handles[kind]; h != nil && h.Loaded && h.ModelID == id {
				delete(targets, kind)
			}
		}
	}

	var plans []slotPlan
	for kind, id := range targets {
		m, found := registry.Find(w.registry, id, string(kind))
		if !found {
			w.sendError(protocol.ErrCodeReloadFailed, "unknown "+string(kind)+" model "+id, "")
			w.failReloadSlot(kind)
			return nil, false
		}
		dev, proceed := w.placeModel(kind, m, delta.Placement)
		if !proceed {
			return nil, false
		}
		plans = append(plans, slotPlan{kind: kind, model: m, dev: dev})
	}
	return plans, true
}

// placeModel decides where one model goes. The snapshot is taken here,
// immediately before the decision, and never reused across calls.
func (w *Worker) placeModel(kind protocol.ModelKind, m types.ModelInfo, override *string) (protocol.Device, bool) {
	if override != nil {
		switch *override {
		case protocol.PlacementForceAccelerator:
			return protocol.DeviceAccelerator, true
		case protocol.PlacementFallback:
			return protocol.DeviceFallback, true
		}
	}
	if w.device == "fallback" {
		return protocol.DeviceFallback, true
	}
	snap, err := w.prober.Probe()
	if err != nil {
		if err != gpu.ErrNoAccelerator {
			w.log.Warn().Err(err).Msg("accelerator probe failed, using fallback")
		}
		return protocol.DeviceFallback, true
	}
	switch gpu.Decide(m.FootprintBytes, snap, w.cfg.Thresholds) {
	case gpu.Accelerator:
		return protocol.DeviceAccelerator, true
	case gpu.AcceleratorWithWarning:
		w.sendEvent(protocol.EvtLowHeadroom, protocol.PlacementDecision{
			Kind: kind, ModelID: m.ID, FootprintBytes: m.FootprintBytes,
			FreeBytes: snap.FreeBytes, TotalBytes: snap.TotalBytes,
		})
		return protocol.DeviceAccelerator, true
	case gpu.AskUser:
		// Halt this attempt; the user answers with a placement override in
		// a fresh update_config.
		w.sendEvent(protocol.EvtPlacementDecision, protocol.PlacementDecision{
			Kind: kind, ModelID: m.ID, FootprintBytes: m.FootprintBytes,
			FreeBytes: snap.FreeBytes, TotalBytes: snap.TotalBytes,
		})
		return "", false
	default:
		return protocol.DeviceFallback, true
	}
}

// runReload executes on a sibling goroutine so heartbeats keep flowing
// through a multi-second model load.
func (w *Worker) runReload(plans []slotPlan) {
	out := &reloadOutcome{}
	for _, p := range plans {
		switch p.kind {
		case protocol.ModelASR:
			tr, err := w.loader.LoadTranscriber(context.Background(), p.model.Path, p.dev)
			if err != nil {
				out.failedKind, out.err = p.kind, err
				w.opDone <- opResult{kind: opReload, reload: out}
				return
			}
			out.asr = &loadedSlot{
				handle:      ModelHandle{Kind: p.kind, ModelID: p.model.ID, FootprintBytes: p.model.FootprintBytes, Device: p.dev, Loaded: true},
				transcriber: tr,
			}
		case protocol.ModelRefinement:
			ref, err := w.loader.LoadRefiner(context.Background(), p.model.Path, p.dev)
			if err != nil {
				out.failedKind, out.err = p.kind, err
				w.opDone <- opResult{kind: opReload, reload: out}
				return
			}
			out.refine = &loadedSlot{
				handle:  ModelHandle{Kind: p.kind, ModelID: p.model.ID, FootprintBytes: p.model.FootprintBytes, Device: p.dev, Loaded: true},
				refiner: ref,
			}
		}
	}
	w.opDone <- opResult{kind: opReload, reload: out}
}

// finishReload swaps handles on the main loop. The old handle is released
// only after its replacement is confirmed loaded; there is never a window
// with neither handle valid except on the failure path, which fails the
// session precisely because that window would otherwise exist.
func (w *Worker) finishReload(out *reloadOutcome) {
	if out.err != nil {
		w.sendError(protocol.ErrCodeReloadFailed, out.err.Error(), "")
		w.failReloadSlot(out.failedKind)
		return
	}
	if out.asr != nil {
		if w.transcriber != nil {
			_ = w.transcriber.Close()
		}
		w.handles[protocol.ModelASR].invalidate()
		h := out.asr.handle
		w.handles[protocol.ModelASR] = &h
		w.transcriber = out.asr.transcriber
	}
	if out.refine != nil {
		if w.refiner != nil {
			_ = w.refiner.Close()
		}
		w.handles[protocol.ModelRefinement].invalidate()
		h := out.refine.handle
		w.handles[protocol.ModelRefinement] = &h
		w.refiner = out.refine.refiner
	}
	for _, h := range w.Handles() {
		if h.Loaded {
			w.log.Info().Str("kind", string(h.Kind)).Str("model", h.ModelID).
				Str("device", string(h.Device)).Msg("model slot serving")
		}
	}
	w.setState(StateIdle)
}

// failReloadSlot applies the fallback rule: keep serving the old handle if
// it is still valid, else fail closed.
func (w *Worker) failReloadSlot(kind protocol.ModelKind) {
	if h := w.handles[kind]; h != nil && h.Loaded {
		w.setState(StateIdle)
		return
	}
	// Refinement is optional; a missing refiner degrades, a missing
	// transcriber cannot serve sessions at all.
	if kind == protocol.ModelRefinement {
		w.setState(StateIdle)
		return
	}
	w.failSession("no valid " + string(kind) + " model")
}

func (w *Worker) releaseRefiner() {
	if w.refiner != nil {
		_ = w.refiner.Close()
		w.refiner = nil
	}
	w.handles[protocol.ModelRefinement].invalidate()
}

// Handles returns a copy of the model slots for status reporting. Like all
// worker state it belongs to the main loop goroutine; other callers must
// wait for Run to return.
func (w *Worker) Handles() []ModelHandle {
	var out []ModelHandle
	for _, h := range w.handles {
		if h != nil {
			out = append(out, *h)
		}
	}
	return out
}
