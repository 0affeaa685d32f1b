package client

import (
	"context"
	"sync"
	"time"
)

// Watchdog detects a wedged or crashed worker purely from heartbeat
// silence; it never relies on OS-level process notification. One Watchdog
// belongs to one worker generation: once expired it stays expired, and a
// heartbeat that straggles in after expiry cannot resurrect the session.
type Watchdog struct {
	timeout time.Duration
	poll    time.Duration
	// onExpire fires exactly once, on the poll goroutine.
	onExpire func()

	mu      sync.Mutex
	last    time.Time
	expired bool
}

// NewWatchdog builds a watchdog. poll must be smaller than timeout so an
// expiry is declared within one poll interval of the deadline.
func NewWatchdog(timeout, poll time.Duration, onExpire func()) *Watchdog {
	if poll <= 0 || poll >= timeout {
		poll = timeout / 4
	}
	return &Watchdog{timeout: timeout, poll: poll, onExpire: onExpire, last: time.Now()}
}

// Observe records a heartbeat. Ignored after expiry: the timestamp belongs
// to the failed session instance, not to the raw channel.
func (w *Watchdog) Observe(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.expired {
		return
	}
	w.last = now
}

// Expired reports whether this generation has been declared dead.
func (w *Watchdog) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expired
}

// LastHeartbeat returns the most recent observed heartbeat time.
func (w *Watchdog) LastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Run polls until ctx is done or the watchdog expires.
func (w *Watchdog) Run(ctx context.Context) {
	t := time.NewTicker(w.poll)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			w.mu.Lock()
			if w.expired {
				w.mu.Unlock()
				return
			}
			if now.Sub(w.last) > w.timeout {
				w.expired = true
				w.mu.Unlock()
				w.onExpire()
				return
			}
			w.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
