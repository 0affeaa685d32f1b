package config

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startWatch(t *testing.T, path string) <-chan Config {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	got := make(chan Config, 4)
	go func() {
		_ = Watch(path, zerolog.Nop(), func(c Config) { got <- c }, stop)
	}()
	// Give the watcher a moment to register before the first edit.
	time.Sleep(100 * time.Millisecond)
	return got
}

func awaitAddr(t *testing.T, got <-chan Config, addr string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Addr == addr {
				return
			}
		case <-deadline:
			t.Fatalf("config with addr %s never delivered", addr)
		}
	}
}

func TestWatchDeliversOnWrite(t *testing.T) {
	p := writeTemp(t, "dictd.yaml", "addr: \":9000\"\n")
	got := startWatch(t, p)

	if err := os.WriteFile(p, []byte("addr: \":9001\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	awaitAddr(t, got, ":9001")
}

func TestWatchSurvivesRemoveAndRecreate(t *testing.T) {
	p := writeTemp(t, "dictd.yaml", "addr: \":9000\"\n")
	got := startWatch(t, p)

	// Editors that save by remove+create must not kill the watch.
	if err := os.Remove(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(p, []byte("addr: \":9002\"\n"), 0o644); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	awaitAddr(t, got, ":9002")

	// The watch is live again: a plain write on the new file delivers too.
	if err := os.WriteFile(p, []byte("addr: \":9003\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	awaitAddr(t, got, ":9003")
}
