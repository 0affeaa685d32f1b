// Package client implements the interactive-process side of the worker
// protocol: a non-blocking command surface, ordered event dispatch on a
// dedicated goroutine, outstanding-request tracking and heartbeat-based
// failure detection. The client holds only an eventually-consistent mirror
// of the worker's session state, updated via state_changed events; it never
// shares memory with the worker.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dictd/internal/protocol"
	"dictd/internal/wire"
)

// PendingRequest tracks one dispatched command awaiting its result.
type PendingRequest struct {
	ID     string
	Kind   string
	SentAt time.Time
}

// Event is what subscribers receive: results, errors and worker events in
// wire order, plus the synthetic worker_lost event.
type Event struct {
	Type wire.MessageType
	Kind string
	ID   string
	Body json.RawMessage
}

// KindWorkerLost is the synthetic event emitted exactly once when the
// channel is declared dead.
const KindWorkerLost = "worker_lost"

// ErrSendQueueFull reports write-side backpressure: the worker is not
// draining its stdin and the outbound queue is at capacity.
var ErrSendQueueFull = errors.New("client: send queue full")

// ErrWorkerLost reports that this client's worker generation is dead; a
// supervising caller decides whether to respawn.
var ErrWorkerLost = errors.New("client: worker lost")

// Options tune a Client.
type Options struct {
	MaxFrameBytes   int
	WatchdogTimeout time.Duration
	WatchdogPoll    time.Duration
	Log             zerolog.Logger
}

// Client speaks the frame protocol over one worker generation.
type Client struct {
	r   io.Reader
	w   io.Writer
	log zerolog.Logger
	max int

	mu      sync.Mutex
	pending map[string]PendingRequest
	state   string
	lost    bool

	writeCh  chan []byte
	dispatch chan Event
	handlers []func(Event)
	wd       *Watchdog

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a Client over the worker's stdout (r) and stdin (w). Register
// handlers with OnEvent, then call Start.
func New(r io.Reader, w io.Writer, opts Options) *Client {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = wire.DefaultMaxFrameSize
	}
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = 5 * time.Second
	}
	c := &Client{
		r:        r,
		w:        w,
		log:      opts.Log,
		max:      opts.MaxFrameBytes,
		pending:  make(map[string]PendingRequest),
		state:    "starting",
		writeCh:  make(chan []byte, 64),
		dispatch: make(chan Event, 256),
		stopped:  make(chan struct{}),
	}
	c.wd = NewWatchdog(opts.WatchdogTimeout, opts.WatchdogPoll, func() {
		c.fail("heartbeat timeout")
	})
	return c
}

// OnEvent registers a handler invoked on the dispatch goroutine, never the
// caller's. Handlers run sequentially in wire order. Must be called before
// Start.
func (c *Client) OnEvent(fn func(Event)) {
	c.handlers = append(c.handlers, fn)
}

// Start launches the reader, writer, dispatcher and watchdog goroutines.
func (c *Client) Start() {
	go c.readLoop()
	go c.writeLoop()
	go c.dispatchLoop()
	go c.wd.Run(contextFromStop(c.stopped))
}

// Send encodes a command, registers it as pending and queues it without
// blocking. It returns the correlation id.
func (c *Client) Send(kind string, body any) (string, error) {
	c.mu.Lock()
	if c.lost {
		c.mu.Unlock()
		return "", ErrWorkerLost
	}
	c.mu.Unlock()

	id := uuid.NewString()
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		raw = b
	}
	frame, err := wire.Encode(wire.Message{Type: wire.TypeCommand, ID: id, Kind: kind, Body: raw}, c.max)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.pending[id] = PendingRequest{ID: id, Kind: kind, SentAt: time.Now()}
	c.mu.Unlock()

	select {
	case c.writeCh <- frame:
		return id, nil
	default:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return "", ErrSendQueueFull
	}
}

// StartSession asks the worker to open a recording session.
func (c *Client) StartSession() (string, error) {
	return c.Send(protocol.CmdStartSession, nil)
}

// StopSession closes the recording and submits the captured audio for
// transcription. The result arrives asynchronously as a correlated event.
func (c *Client) StopSession(samples []byte, sampleRate int) (string, error) {
	return c.Send(protocol.CmdStopSession, protocol.StopSession{Samples: samples, SampleRate: sampleRate})
}

// UpdateConfig pushes a live configuration delta.
func (c *Client) UpdateConfig(delta protocol.ConfigDelta) (string, error) {
	return c.Send(protocol.CmdUpdateConfig, delta)
}

// Shutdown asks the worker to exit cleanly.
func (c *Client) Shutdown() (string, error) {
	return c.Send(protocol.CmdShutdown, nil)
}

// SessionState returns the mirrored worker state.
func (c *Client) SessionState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Lost reports whether this worker generation has been declared dead.
func (c *Client) Lost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

// PendingCount returns the number of requests awaiting results.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LastHeartbeat returns the most recent heartbeat time.
func (c *Client) LastHeartbeat() time.Time { return c.wd.LastHeartbeat() }

// Close stops the client's goroutines. It does not touch the worker
// process; that belongs to the supervisor.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

func (c *Client) readLoop() {
	dec := wire.NewDecoder(c.max)
	buf := make([]byte, 32*1024)
	for {
		n, err := c.r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				msg, derr := dec.Next()
				if errors.Is(derr, wire.ErrNeedMoreData) {
					break
				}
				if derr != nil {
					c.log.Error().Err(derr).Msg("transport fault")
					c.fail("transport fault: " + derr.Error())
					return
				}
				c.handleFrame(msg)
			}
		}
		if err != nil {
			select {
			case <-c.stopped:
				// Deliberate close; not a failure.
			default:
				c.fail("channel closed: " + err.Error())
			}
			return
		}
	}
}

func (c *Client) handleFrame(msg wire.Message) {
	switch msg.Type {
	case wire.TypeHeartbeat:
		c.wd.Observe(time.Now())
		return
	case wire.TypeResult, wire.TypeError:
		if msg.ID != "" {
			c.mu.Lock()
			delete(c.pending, msg.ID)
			c.mu.Unlock()
		}
	case wire.TypeEvent:
		if msg.Kind == protocol.EvtStateChanged {
			var sc protocol.StateChanged
			if json.Unmarshal(msg.Body, &sc) == nil {
				c.mu.Lock()
				c.state = sc.State
				c.mu.Unlock()
			}
		}
	default:
		c.log.Warn().Str("type", string(msg.Type)).Msg("unexpected frame from worker")
		return
	}
	c.enqueue(Event{Type: msg.Type, Kind: msg.Kind, ID: msg.ID, Body: msg.Body})
}

func (c *Client) writeLoop() {
	for {
		select {
		case frame := <-c.writeCh:
			if _, err := c.w.Write(frame); err != nil {
				c.log.Error().Err(err).Msg("write to worker failed")
				c.fail("write failed: " + err.Error())
				return
			}
		case <-c.stopped:
			return
		}
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case ev := <-c.dispatch:
			for _, fn := range c.handlers {
				fn(ev)
			}
		case <-c.stopped:
			return
		}
	}
}

func (c *Client) enqueue(ev Event) {
	select {
	case c.dispatch <- ev:
	case <-c.stopped:
	}
}

// fail declares the worker generation dead: every awaiting request gets a
// synthesized error result, the pending map is cleared, and exactly one
// worker_lost event is emitted regardless of how many requests were in
// flight. In-flight work is reported failed at most once and never retried
// here; the respawn decision belongs to the supervisor.
func (c *Client) fail(reason string) {
	c.mu.Lock()
	if c.lost {
		c.mu.Unlock()
		return
	}
	c.lost = true
	c.state = "failed"
	orphans := make([]PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		orphans = append(orphans, p)
	}
	c.pending = make(map[string]PendingRequest)
	c.mu.Unlock()

	c.log.Error().Str("reason", reason).Int("orphaned", len(orphans)).Msg("worker lost")
	for _, p := range orphans {
		body, _ := json.Marshal(protocol.ErrorBody{
			Code:         protocol.ErrCodeWorkerLost,
			Message:      reason,
			CorrelatedID: p.ID,
		})
		c.enqueue(Event{Type: wire.TypeError, ID: p.ID, Body: body})
	}
	body, _ := json.Marshal(protocol.ErrorBody{Code: protocol.ErrCodeWorkerLost, Message: reason})
	c.enqueue(Event{Type: wire.TypeEvent, Kind: KindWorkerLost, Body: body})
}

func contextFromStop(stop <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}
