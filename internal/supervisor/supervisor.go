// Package supervisor owns the worker process lifecycle: it spawns the
// inference worker, speaks the frame protocol to it through a client, and
// respawns a fresh generation with bounded backoff whenever the worker is
// lost. It also translates protocol traffic into UI events for the HTTP
// layer and keeps the last pushed configuration so a respawned worker comes
// back with the models the user last asked for.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dictd/internal/client"
	"dictd/internal/config"
	"dictd/internal/protocol"
	"dictd/internal/registry"
	"dictd/internal/wire"
	"dictd/pkg/types"
)

// Proc is one spawned worker process generation.
type Proc struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Wait   func() error
	Kill   func() error
}

// SpawnFunc starts a worker process. Tests substitute an in-process fake.
type SpawnFunc func(ctx context.Context) (*Proc, error)

// ExecSpawner spawns the worker binary with the given arguments, wiring its
// stdin/stdout for the frame protocol and passing stderr through for logs.
func ExecSpawner(bin string, args ...string) SpawnFunc {
	return func(ctx context.Context) (*Proc, error) {
		cmd := exec.CommandContext(ctx, bin, args...)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &Proc{
			Stdin:  stdin,
			Stdout: stdout,
			Wait:   cmd.Wait,
			Kill: func() error {
				if cmd.Process == nil {
					return nil
				}
				return cmd.Process.Kill()
			},
		}, nil
	}
}

var (
	// ErrNotRunning reports that no live worker generation can take the
	// command right now (mid-respawn or after Shutdown).
	ErrNotRunning = errors.New("supervisor: worker not running")
	// ErrNoPendingDecision reports a placement resolution with nothing to
	// resolve.
	ErrNoPendingDecision = errors.New("supervisor: no pending placement decision")
	// ErrBadDecision reports an unknown placement decision value.
	ErrBadDecision = errors.New("supervisor: invalid placement decision")
	// ErrShuttingDown reports a command after Shutdown began.
	ErrShuttingDown = errors.New("supervisor: shutting down")
)

const (
	backoffMin   = 500 * time.Millisecond
	backoffMax   = 8 * time.Second
	healthyReset = 30 * time.Second
)

// Options tune a Supervisor beyond what the daemon config carries.
type Options struct {
	Spawn SpawnFunc
	Log   zerolog.Logger
	// OnEvent, when set, observes every published UI event. Used for
	// metrics; subscribers arrive via Subscribe.
	OnEvent func(types.UIEvent)
}

// desired is the configuration the user last asked for, reapplied to every
// fresh worker generation.
type desired struct {
	asrModel      string
	refineModel   string
	device        string
	refineEnabled bool
	refineSet     bool
}

func (d desired) delta() protocol.ConfigDelta {
	var out protocol.ConfigDelta
	if d.asrModel != "" {
		v := d.asrModel
		out.ASRModel = &v
	}
	if d.refineModel != "" {
		v := d.refineModel
		out.RefineModel = &v
	}
	if d.device != "" {
		v := d.device
		out.Device = &v
	}
	if d.refineSet {
		v := d.refineEnabled
		out.RefineEnabled = &v
	}
	return out
}

// pendingDecision is a low-headroom load halted until the user answers.
type pendingDecision struct {
	kind    protocol.ModelKind
	modelID string
}

// Supervisor runs worker generations and exposes the control surface the
// HTTP layer calls into.
type Supervisor struct {
	cfg   config.Config
	spawn SpawnFunc
	log   zerolog.Logger
	onEvt func(types.UIEvent)

	mu       sync.Mutex
	gen      int
	cl       *client.Client
	proc     *Proc
	alive    bool
	closing  bool
	restarts int
	backoff  time.Duration
	genStart time.Time
	lastErr  string
	want     desired
	decision *pendingDecision
	// reqKinds maps in-flight correlation ids to their command kind so a
	// correlated result can be classified when it comes back.
	reqKinds map[string]string
	models   map[string]types.LoadedModel
	subs     map[int]chan types.UIEvent
	nextSub  int
	exited   chan struct{}
}

// New builds a Supervisor. Call Start to spawn the first worker.
func New(cfg config.Config, opts Options) *Supervisor {
	spawn := opts.Spawn
	if spawn == nil {
		args := []string{
			"--models-dir", cfg.ModelsDir,
			"--heartbeat-ms", itoa(cfg.HeartbeatIntervalMS),
			"--max-frame-bytes", itoa(cfg.MaxFrameBytes),
			"--gpu-accel-threshold", strconv.FormatFloat(cfg.GPUAccelThreshold, 'f', -1, 64),
			"--gpu-warn-threshold", strconv.FormatFloat(cfg.GPUWarnThreshold, 'f', -1, 64),
		}
		if cfg.WhisperURL != "" {
			args = append(args, "--whisper-url", cfg.WhisperURL)
		}
		if cfg.RefinerURL != "" {
			args = append(args, "--refiner-url", cfg.RefinerURL)
		}
		spawn = ExecSpawner(cfg.WorkerBin, args...)
	}
	s := &Supervisor{
		cfg:      cfg,
		spawn:    spawn,
		log:      opts.Log,
		onEvt:    opts.OnEvent,
		backoff:  backoffMin,
		reqKinds: make(map[string]string),
		models:   make(map[string]types.LoadedModel),
		subs:     make(map[int]chan types.UIEvent),
	}
	s.want = desired{
		asrModel:      cfg.ASRModel,
		refineModel:   cfg.RefineModel,
		device:        deviceFromConfig(cfg.Device),
		refineEnabled: cfg.RefineEnabled,
		refineSet:     true,
	}
	return s
}

// deviceFromConfig maps the daemon-level device setting onto the protocol
// vocabulary. "auto" lets the worker's placement policy decide.
func deviceFromConfig(dev string) string {
	switch dev {
	case "accelerator", "fallback":
		return dev
	default:
		return ""
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

// Start spawns the first worker generation.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawnLocked(ctx)
}

// spawnLocked starts one worker generation and wires a client to it. The
// caller holds s.mu.
func (s *Supervisor) spawnLocked(ctx context.Context) error {
	proc, err := s.spawn(ctx)
	if err != nil {
		s.lastErr = err.Error()
		return err
	}
	s.gen++
	gen := s.gen
	cl := client.New(proc.Stdout, proc.Stdin, client.Options{
		MaxFrameBytes:   s.cfg.MaxFrameBytes,
		WatchdogTimeout: s.cfg.WatchdogTimeout(),
		WatchdogPoll:    s.cfg.WatchdogPoll(),
		Log:             s.log.With().Int("worker_gen", gen).Logger(),
	})
	cl.OnEvent(func(ev client.Event) { s.handleEvent(gen, ev) })
	cl.Start()

	s.cl = cl
	s.proc = proc
	s.alive = true
	s.genStart = time.Now()
	s.exited = make(chan struct{})
	exited := s.exited

	go func() {
		if proc.Wait != nil {
			_ = proc.Wait()
		}
		close(exited)
	}()

	// The worker starts bare; push the models the user last asked for.
	if d := s.want.delta(); !d.Empty() {
		if id, err := cl.UpdateConfig(d); err == nil {
			s.reqKinds[id] = protocol.CmdUpdateConfig
		}
	}
	s.log.Info().Int("worker_gen", gen).Msg("worker spawned")
	return nil
}

// handleEvent runs on the client's dispatch goroutine. Events from a
// superseded generation are dropped.
func (s *Supervisor) handleEvent(gen int, ev client.Event) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	switch ev.Type {
	case wire.TypeEvent:
		s.handleWorkerEvent(ev)
	case wire.TypeResult:
		kind := s.reqKinds[ev.ID]
		delete(s.reqKinds, ev.ID)
		if kind == protocol.CmdStopSession {
			var res protocol.Result
			if json.Unmarshal(ev.Body, &res) == nil {
				s.lastErr = ""
				s.publishLocked(types.UIEvent{
					Kind:             "result",
					Text:             res.Text,
					DurationMS:       res.DurationMS,
					SpeechDurationMS: res.SpeechDurationMS,
					RequestID:        ev.ID,
				})
			}
		}
	case wire.TypeError:
		delete(s.reqKinds, ev.ID)
		var eb protocol.ErrorBody
		if json.Unmarshal(ev.Body, &eb) == nil {
			s.lastErr = eb.Message
			s.publishLocked(types.UIEvent{
				Kind:      "error",
				Code:      eb.Code,
				Message:   eb.Message,
				RequestID: eb.CorrelatedID,
			})
		}
	}
	s.mu.Unlock()
}

// handleWorkerEvent translates a worker event and updates mirrors. The
// caller holds s.mu.
func (s *Supervisor) handleWorkerEvent(ev client.Event) {
	switch ev.Kind {
	case protocol.EvtStateChanged:
		var sc protocol.StateChanged
		if json.Unmarshal(ev.Body, &sc) != nil {
			return
		}
		if sc.State == "idle" {
			s.lastErr = ""
		}
		s.publishLocked(types.UIEvent{Kind: "state_changed", State: sc.State})
	case protocol.EvtLoadingModel:
		var lm protocol.LoadingModel
		if json.Unmarshal(ev.Body, &lm) != nil {
			return
		}
		s.models[string(lm.Kind)] = types.LoadedModel{
			Kind:           string(lm.Kind),
			ModelID:        lm.ModelID,
			Device:         string(lm.Device),
			FootprintBytes: lm.FootprintBytes,
		}
		s.publishLocked(types.UIEvent{
			Kind: "loading_model", ModelKind: string(lm.Kind), ModelID: lm.ModelID,
		})
	case protocol.EvtPlacementDecision:
		var pd protocol.PlacementDecision
		if json.Unmarshal(ev.Body, &pd) != nil {
			return
		}
		s.decision = &pendingDecision{kind: pd.Kind, modelID: pd.ModelID}
		s.publishLocked(types.UIEvent{
			Kind: "placement_decision_required", ModelKind: string(pd.Kind), ModelID: pd.ModelID,
		})
	case protocol.EvtLowHeadroom:
		var pd protocol.PlacementDecision
		if json.Unmarshal(ev.Body, &pd) != nil {
			return
		}
		s.publishLocked(types.UIEvent{
			Kind: "low_headroom_warning", ModelKind: string(pd.Kind), ModelID: pd.ModelID,
		})
	case client.KindWorkerLost:
		s.onWorkerLostLocked()
	}
}

// onWorkerLostLocked marks the generation dead, fails over the mirrors and
// schedules a respawn unless the daemon is shutting down.
func (s *Supervisor) onWorkerLostLocked() {
	s.alive = false
	s.models = make(map[string]types.LoadedModel)
	s.reqKinds = make(map[string]string)
	s.decision = nil
	if s.lastErr == "" {
		s.lastErr = "worker lost"
	}
	if s.proc != nil && s.proc.Kill != nil {
		_ = s.proc.Kill()
	}
	s.publishLocked(types.UIEvent{Kind: "worker_lost", Code: protocol.ErrCodeWorkerLost, Message: s.lastErr})
	if s.closing {
		return
	}
	s.publishLocked(types.UIEvent{Kind: "reconnecting"})

	// Generations that lived long enough reset the backoff ladder.
	if time.Since(s.genStart) > healthyReset {
		s.backoff = backoffMin
	}
	delay := s.backoff
	s.backoff *= 2
	if s.backoff > backoffMax {
		s.backoff = backoffMax
	}
	gen := s.gen
	go s.respawnAfter(gen, delay)
}

func (s *Supervisor) respawnAfter(gen int, delay time.Duration) {
	time.Sleep(delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.gen != gen {
		return
	}
	if s.cl != nil {
		s.cl.Close()
	}
	s.restarts++
	s.log.Warn().Int("restarts", s.restarts).Dur("backoff", delay).Msg("respawning worker")
	if err := s.spawnLocked(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("worker respawn failed")
		// Climb the ladder and try again.
		delay := s.backoff
		s.backoff *= 2
		if s.backoff > backoffMax {
			s.backoff = backoffMax
		}
		gen := s.gen
		go s.respawnAfter(gen, delay)
	}
}

// clientLocked returns the live client or an error. The caller holds s.mu.
func (s *Supervisor) clientLocked() (*client.Client, error) {
	if s.closing {
		return nil, ErrShuttingDown
	}
	if s.cl == nil || !s.alive {
		return nil, ErrNotRunning
	}
	return s.cl, nil
}

// BeginRecording opens a recording session on the worker.
func (s *Supervisor) BeginRecording() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, err := s.clientLocked()
	if err != nil {
		return "", err
	}
	switch cl.SessionState() {
	case "recording", "transcribing":
		return "", ErrSessionBusy
	}
	id, err := cl.StartSession()
	if err != nil {
		return "", err
	}
	s.reqKinds[id] = protocol.CmdStartSession
	return id, nil
}

// EndRecording closes the recording and submits the captured audio. The
// transcription arrives later as a result event.
func (s *Supervisor) EndRecording(samples []byte, sampleRate int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, err := s.clientLocked()
	if err != nil {
		return "", err
	}
	id, err := cl.StopSession(samples, sampleRate)
	if err != nil {
		return "", err
	}
	s.reqKinds[id] = protocol.CmdStopSession
	return id, nil
}

// PushConfig forwards a configuration delta to the worker and folds it into
// the desired state reapplied on respawn.
func (s *Supervisor) PushConfig(delta protocol.ConfigDelta) (string, error) {
	if err := s.checkModels(delta); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if delta.ASRModel != nil {
		s.want.asrModel = *delta.ASRModel
	}
	if delta.RefineModel != nil {
		s.want.refineModel = *delta.RefineModel
	}
	if delta.Device != nil {
		s.want.device = *delta.Device
	}
	if delta.RefineEnabled != nil {
		s.want.refineEnabled = *delta.RefineEnabled
		s.want.refineSet = true
	}
	cl, err := s.clientLocked()
	if err != nil {
		return "", err
	}
	id, err := cl.UpdateConfig(delta)
	if err != nil {
		return "", err
	}
	s.reqKinds[id] = protocol.CmdUpdateConfig
	return id, nil
}

// checkModels rejects deltas naming model ids the registry cannot see. An
// empty id is not a lookup; it leaves the slot unmanaged. A failed scan
// skips the check; the worker has its own registry and remains the
// authority.
func (s *Supervisor) checkModels(delta protocol.ConfigDelta) error {
	if delta.ASRModel == nil && delta.RefineModel == nil {
		return nil
	}
	models, err := registry.LoadDir(s.cfg.ModelsDir)
	if err != nil {
		return nil
	}
	if delta.ASRModel != nil && *delta.ASRModel != "" {
		if _, ok := registry.Find(models, *delta.ASRModel, "asr"); !ok {
			return &ModelNotFoundError{ID: *delta.ASRModel, Kind: "asr"}
		}
	}
	if delta.RefineModel != nil && *delta.RefineModel != "" {
		if _, ok := registry.Find(models, *delta.RefineModel, "refinement"); !ok {
			return &ModelNotFoundError{ID: *delta.RefineModel, Kind: "refinement"}
		}
	}
	return nil
}

// ResolvePlacement answers a pending low-headroom decision by re-requesting
// the halted model with an explicit placement override.
func (s *Supervisor) ResolvePlacement(decision string) (string, error) {
	if decision != protocol.PlacementForceAccelerator && decision != protocol.PlacementFallback {
		return "", ErrBadDecision
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decision == nil {
		return "", ErrNoPendingDecision
	}
	cl, err := s.clientLocked()
	if err != nil {
		return "", err
	}
	pd := s.decision
	delta := protocol.ConfigDelta{Placement: &decision}
	model := pd.modelID
	switch pd.kind {
	case protocol.ModelASR:
		delta.ASRModel = &model
	case protocol.ModelRefinement:
		delta.RefineModel = &model
	}
	id, err := cl.UpdateConfig(delta)
	if err != nil {
		return "", err
	}
	s.decision = nil
	s.reqKinds[id] = protocol.CmdUpdateConfig
	return id, nil
}

// PendingDecision reports whether a placement question awaits an answer.
func (s *Supervisor) PendingDecision() (kind, modelID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decision == nil {
		return "", "", false
	}
	return string(s.decision.kind), s.decision.modelID, true
}

// ListModels rescans the configured models directory. Worth a fresh scan
// each time: the user drops model files in while the daemon runs.
func (s *Supervisor) ListModels() ([]types.ModelInfo, error) {
	return registry.LoadDir(s.cfg.ModelsDir)
}

// Status snapshots the control plane for GET /status.
func (s *Supervisor) Status() types.StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := types.StatusResponse{
		SessionState:    "failed",
		WorkerAlive:     s.alive,
		WorkerRestarts:  s.restarts,
		PendingRequests: 0,
		Error:           s.lastErr,
	}
	if s.cl != nil {
		st.SessionState = s.cl.SessionState()
		st.PendingRequests = s.cl.PendingCount()
		if hb := s.cl.LastHeartbeat(); !hb.IsZero() {
			st.LastHeartbeatUnix = hb.Unix()
		}
	}
	for _, m := range s.models {
		st.Models = append(st.Models, m)
	}
	return st
}

// Subscribe registers a UI event listener. The returned cancel func must be
// called when the listener goes away. A slow listener drops events rather
// than stalling the dispatch path.
func (s *Supervisor) Subscribe() (<-chan types.UIEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan types.UIEvent, 64)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

// publishLocked fans an event out to all subscribers. The caller holds s.mu.
func (s *Supervisor) publishLocked(ev types.UIEvent) {
	if s.onEvt != nil {
		s.onEvt(ev)
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Shutdown asks the worker to exit cleanly and kills it if it lingers.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	cl, proc, exited := s.cl, s.proc, s.exited
	s.alive = false
	s.mu.Unlock()

	if cl == nil {
		return nil
	}
	_, _ = cl.Shutdown()

	if exited != nil {
		select {
		case <-exited:
		case <-ctx.Done():
			if proc != nil && proc.Kill != nil {
				_ = proc.Kill()
			}
		case <-time.After(3 * time.Second):
			if proc != nil && proc.Kill != nil {
				_ = proc.Kill()
			}
		}
	}
	cl.Close()

	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	return nil
}
