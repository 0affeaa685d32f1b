package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchdogExpiresWithinOnePollInterval(t *testing.T) {
	var fired atomic.Int32
	start := time.Now()
	var elapsed atomic.Int64
	wd := NewWatchdog(100*time.Millisecond, 20*time.Millisecond, func() {
		elapsed.Store(int64(time.Since(start)))
		fired.Add(1)
	})

	done := make(chan struct{})
	go func() {
		wd.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("watchdog never expired")
	}
	if n := fired.Load(); n != 1 {
		t.Fatalf("onExpire fired %d times, want 1", n)
	}
	// Deadline plus one poll interval, with scheduler slack.
	if d := time.Duration(elapsed.Load()); d > 300*time.Millisecond {
		t.Fatalf("expiry took %v, want within a poll interval of the deadline", d)
	}
	if !wd.Expired() {
		t.Fatalf("Expired() = false after firing")
	}
}

func TestWatchdogObserveDefersExpiry(t *testing.T) {
	var fired atomic.Int32
	wd := NewWatchdog(120*time.Millisecond, 20*time.Millisecond, func() { fired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wd.Run(ctx)

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		wd.Observe(time.Now())
		time.Sleep(30 * time.Millisecond)
	}
	if fired.Load() != 0 {
		t.Fatalf("watchdog fired despite regular heartbeats")
	}
	if wd.Expired() {
		t.Fatalf("Expired() = true despite regular heartbeats")
	}
}

func TestWatchdogIgnoresHeartbeatAfterExpiry(t *testing.T) {
	wd := NewWatchdog(50*time.Millisecond, 10*time.Millisecond, func() {})

	done := make(chan struct{})
	go func() {
		wd.Run(context.Background())
		close(done)
	}()
	<-done

	before := wd.LastHeartbeat()
	wd.Observe(time.Now().Add(time.Hour))
	if !wd.LastHeartbeat().Equal(before) {
		t.Fatalf("heartbeat after expiry mutated the record")
	}
	if !wd.Expired() {
		t.Fatalf("expiry lost after a late heartbeat")
	}
}

func TestWatchdogPollDefaultsToQuarterTimeout(t *testing.T) {
	wd := NewWatchdog(400*time.Millisecond, 0, func() {})
	if wd.poll != 100*time.Millisecond {
		t.Fatalf("poll = %v, want timeout/4", wd.poll)
	}
	wd = NewWatchdog(400*time.Millisecond, time.Second, func() {})
	if wd.poll != 100*time.Millisecond {
		t.Fatalf("poll >= timeout must be clamped to timeout/4, got %v", wd.poll)
	}
}

func TestWatchdogStopsOnContextCancel(t *testing.T) {
	var fired atomic.Int32
	wd := NewWatchdog(time.Hour, 10*time.Millisecond, func() { fired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wd.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if fired.Load() != 0 {
		t.Fatalf("onExpire fired on cancellation")
	}
}
