// Package worker implements the inference-side half of the dictation
// control plane: a single session state machine fed by framed commands on
// stdin, answering with results, events and fixed-interval heartbeats on
// stdout. Command execution is strictly sequential; the only concurrency is
// a sibling goroutine running the blocking inference or model load so the
// main loop never misses a heartbeat.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dictd/internal/engine"
	"dictd/internal/gpu"
	"dictd/internal/protocol"
	"dictd/internal/wire"
	"dictd/pkg/types"
)

// Config carries the worker's spawn-time settings.
type Config struct {
	HeartbeatInterval time.Duration
	MaxFrameBytes     int
	// Device preference: auto, accelerator or fallback.
	Device        string
	RefineEnabled bool
	ASRModel      string
	RefineModel   string
	Thresholds    gpu.Thresholds
}

type opKind int

const (
	opTranscribe opKind = iota
	opReload
)

// opResult is what a sibling-goroutine operation reports back to the main
// loop.
type opResult struct {
	kind      opKind
	requestID string
	result    protocol.Result
	err       error
	reload    *reloadOutcome
}

// Worker owns the session and both engine slots.
type Worker struct {
	cfg      Config
	registry []types.ModelInfo
	loader   engine.Loader
	prober   gpu.Prober
	log      zerolog.Logger

	in      io.Reader
	out     io.Writer
	writeMu sync.Mutex

	// All fields below are touched only by the main loop goroutine.
	state           SessionState
	activeRequestID string
	inflight        bool
	queue           []wire.Message
	pending         *pendingReload

	device        string
	refineEnabled bool

	handles     map[protocol.ModelKind]*ModelHandle
	transcriber engine.Transcriber
	refiner     engine.Refiner

	opDone chan opResult
}

// New builds a Worker reading frames from in and writing to out.
func New(cfg Config, reg []types.ModelInfo, loader engine.Loader, prober gpu.Prober, in io.Reader, out io.Writer, log zerolog.Logger) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 500 * time.Millisecond
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = wire.DefaultMaxFrameSize
	}
	if cfg.Device == "" {
		cfg.Device = "auto"
	}
	return &Worker{
		cfg:           cfg,
		registry:      reg,
		loader:        loader,
		prober:        prober,
		log:           log,
		in:            in,
		out:           out,
		state:         StateStarting,
		device:        cfg.Device,
		refineEnabled: cfg.RefineEnabled,
		handles:       make(map[protocol.ModelKind]*ModelHandle),
		opDone:        make(chan opResult, 1),
	}
}

// Run drives the session until shutdown, channel closure or a transport
// fault. Transport faults return the decoder error; the supervisor treats
// any non-nil return as grounds for a respawn.
func (w *Worker) Run(ctx context.Context) error {
	w.sendEvent(protocol.EvtStateChanged, protocol.StateChanged{State: string(w.state)})

	msgs := make(chan wire.Message, 16)
	readErr := make(chan error, 1)
	go w.readLoop(msgs, readErr)

	// Initial model load goes through the same deferred-reload path as any
	// later config change; the session stays in starting until it lands.
	if initial := w.initialDelta(); !initial.Empty() {
		w.pending = &pendingReload{delta: initial}
		w.maybeApplyReload()
	}
	if !w.inflight && w.state == StateStarting {
		w.setState(StateIdle)
	}

	hb := time.NewTicker(w.cfg.HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-hb.C:
			w.send(wire.Message{Type: wire.TypeHeartbeat})
		case msg, ok := <-msgs:
			if !ok {
				w.setState(StateStopped)
				return <-readErr
			}
			if stop := w.handleMessage(msg); stop {
				w.setState(StateStopped)
				return nil
			}
		case res := <-w.opDone:
			w.finishOp(res)
		case <-ctx.Done():
			w.setState(StateStopped)
			return ctx.Err()
		}
	}
}

func (w *Worker) initialDelta() protocol.ConfigDelta {
	var d protocol.ConfigDelta
	if w.cfg.ASRModel != "" {
		m := w.cfg.ASRModel
		d.ASRModel = &m
	}
	if w.cfg.RefineModel != "" && w.refineEnabled {
		m := w.cfg.RefineModel
		d.RefineModel = &m
	}
	return d
}

// readLoop feeds the decoder and forwards complete messages. A decode
// error is a transport fault: the channel is no longer trustworthy and the
// loop tears down.
func (w *Worker) readLoop(msgs chan<- wire.Message, readErr chan<- error) {
	defer close(msgs)
	dec := wire.NewDecoder(w.cfg.MaxFrameBytes)
	buf := make([]byte, 32*1024)
	for {
		n, err := w.in.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				msg, derr := dec.Next()
				if errors.Is(derr, wire.ErrNeedMoreData) {
					break
				}
				if derr != nil {
					w.log.Error().Err(derr).Msg("transport fault, closing channel")
					readErr <- derr
					return
				}
				msgs <- msg
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				readErr <- nil
			} else {
				readErr <- err
			}
			return
		}
	}
}

// handleMessage processes one inbound frame on the main loop. Returns true
// when the session must stop.
func (w *Worker) handleMessage(msg wire.Message) bool {
	if msg.Type != wire.TypeCommand {
		w.sendError(protocol.ErrCodeBadCommand, "unexpected frame type "+string(msg.Type), msg.ID)
		return false
	}
	switch msg.Kind {
	case protocol.CmdShutdown:
		w.sendResult(msg.ID, protocol.Ack{OK: true})
		return true
	case protocol.CmdUpdateConfig:
		w.handleUpdateConfig(msg)
		return false
	case protocol.CmdStartSession, protocol.CmdStopSession:
		if w.inflight {
			// One operation at a time; the command waits its turn.
			w.queue = append(w.queue, msg)
			return false
		}
		w.execute(msg)
		return false
	default:
		w.sendError(protocol.ErrCodeBadCommand, "unknown command "+msg.Kind, msg.ID)
		return false
	}
}

func (w *Worker) execute(msg wire.Message) {
	switch msg.Kind {
	case protocol.CmdStartSession:
		if !w.state.canStartSession() {
			w.sendError(protocol.ErrCodeBadState, "cannot start a session while "+string(w.state), msg.ID)
			return
		}
		w.setState(StateRecording)
		w.sendResult(msg.ID, protocol.Ack{OK: true})
	case protocol.CmdStopSession:
		if !w.state.canStopSession() {
			w.sendError(protocol.ErrCodeBadState, "cannot stop a session while "+string(w.state), msg.ID)
			return
		}
		var p protocol.StopSession
		if err := json.Unmarshal(msg.Body, &p); err != nil {
			w.sendError(protocol.ErrCodeBadCommand, "bad stop_session payload: "+err.Error(), msg.ID)
			return
		}
		if p.SampleRate <= 0 {
			p.SampleRate = 16000
		}
		w.setState(StateTranscribing)
		w.activeRequestID = msg.ID
		w.inflight = true
		// Stopping always proceeds with whatever audio was captured; there
		// is no mid-transcription cancellation.
		tr := w.transcriber
		var ref engine.Refiner
		if w.refineEnabled {
			ref = w.refiner
		}
		go w.runTranscription(msg.ID, p, tr, ref)
	}
}

func (w *Worker) handleUpdateConfig(msg wire.Message) {
	var delta protocol.ConfigDelta
	if err := json.Unmarshal(msg.Body, &delta); err != nil {
		w.sendError(protocol.ErrCodeBadCommand, "bad update_config payload: "+err.Error(), msg.ID)
		return
	}
	if delta.Empty() {
		w.sendResult(msg.ID, protocol.Ack{OK: true, Detail: "no-op"})
		return
	}
	// Idempotent: a second update before the reload runs replaces the
	// pending target instead of queuing a second reload.
	if w.pending == nil {
		w.pending = &pendingReload{delta: delta}
	} else {
		w.pending.delta = w.pending.delta.Merge(delta)
	}
	w.sendResult(msg.ID, protocol.Ack{OK: true, Detail: "queued"})
	w.maybeApplyReload()
}

// runTranscription executes on a sibling goroutine; the main loop keeps
// emitting heartbeats and queuing commands meanwhile.
func (w *Worker) runTranscription(id string, p protocol.StopSession, tr engine.Transcriber, ref engine.Refiner) {
	start := time.Now()
	if tr == nil {
		w.opDone <- opResult{kind: opTranscribe, requestID: id, err: engine.ErrUnavailable("no ASR model loaded")}
		return
	}
	t, err := tr.Transcribe(context.Background(), p.Samples, p.SampleRate)
	if err != nil {
		w.opDone <- opResult{kind: opTranscribe, requestID: id, err: err}
		return
	}
	text := t.Text
	refined := false
	if ref != nil && text != "" {
		out, rerr := ref.Refine(context.Background(), text)
		if rerr != nil {
			// Refinement is best-effort: a failed rewrite must not cost the
			// user their transcription.
			w.log.Warn().Err(rerr).Msg("refinement failed, returning raw text")
		} else {
			text = out
			refined = true
		}
	}
	speech := t.SpeechDurationMS
	if speech == 0 && p.SampleRate > 0 {
		speech = int64(len(p.Samples)/2) * 1000 / int64(p.SampleRate)
	}
	w.opDone <- opResult{
		kind:      opTranscribe,
		requestID: id,
		result: protocol.Result{
			Text:             text,
			DurationMS:       time.Since(start).Milliseconds(),
			SpeechDurationMS: speech,
			Refined:          refined,
		},
	}
}

// finishOp lands a sibling-goroutine result back on the main loop. A
// pending reload applies ahead of any queued commands.
func (w *Worker) finishOp(res opResult) {
	w.inflight = false
	switch res.kind {
	case opTranscribe:
		w.activeRequestID = ""
		if res.err != nil {
			if engine.IsFatal(res.err) {
				w.sendError(protocol.ErrCodeEngineFault, res.err.Error(), res.requestID)
				w.failSession("engine fault: " + res.err.Error())
			} else {
				w.sendError(protocol.ErrCodeInference, res.err.Error(), res.requestID)
				w.setState(StateIdle)
			}
		} else {
			w.sendResult(res.requestID, res.result)
			w.setState(StateIdle)
		}
	case opReload:
		w.finishReload(res.reload)
	}
	w.maybeApplyReload()
	w.drainQueue()
}

func (w *Worker) drainQueue() {
	for !w.inflight && len(w.queue) > 0 && !w.state.terminal() {
		msg := w.queue[0]
		w.queue = w.queue[1:]
		w.execute(msg)
	}
}

// failSession marks the session failed and announces it. Only a further
// config change or a respawn leaves this state.
func (w *Worker) failSession(reason string) {
	w.log.Error().Str("reason", reason).Msg("session failed")
	w.setState(StateFailed)
}

func (w *Worker) setState(s SessionState) {
	if w.state == s {
		return
	}
	w.state = s
	w.sendEvent(protocol.EvtStateChanged, protocol.StateChanged{State: string(s)})
}

func (w *Worker) send(msg wire.Message) {
	b, err := wire.Encode(msg, w.cfg.MaxFrameBytes)
	if err != nil {
		w.log.Error().Err(err).Str("type", string(msg.Type)).Msg("dropping unencodable frame")
		return
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.out.Write(b); err != nil {
		w.log.Error().Err(err).Msg("write failed")
	}
}

func (w *Worker) sendEvent(kind string, body any) {
	b, _ := json.Marshal(body)
	w.send(wire.Message{Type: wire.TypeEvent, Kind: kind, Body: b})
}

func (w *Worker) sendResult(id string, body any) {
	b, _ := json.Marshal(body)
	w.send(wire.Message{Type: wire.TypeResult, ID: id, Body: b})
}

func (w *Worker) sendError(code, message, correlatedID string) {
	b, _ := json.Marshal(protocol.ErrorBody{Code: code, Message: message, CorrelatedID: correlatedID})
	w.send(wire.Message{Type: wire.TypeError, ID: correlatedID, Body: b})
}
