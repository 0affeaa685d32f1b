package gpu

import "errors"

// ErrNoAccelerator indicates no usable accelerator is present. Callers
// should treat it as an automatic Fallback, not a fault.
var ErrNoAccelerator = errors.New("gpu: no accelerator available")

// Prober returns a fresh memory snapshot per call. Implementations must not
// cache: the whole point of sampling immediately before a decision is that
// other processes move the free figure underneath us.
type Prober interface {
	Probe() (Snapshot, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func() (Snapshot, error)

func (f ProberFunc) Probe() (Snapshot, error) { return f() }

// NoneProber reports no accelerator. It is the default when the nvml build
// tag is absent or device initialization fails.
type NoneProber struct{}

func (NoneProber) Probe() (Snapshot, error) { return Snapshot{}, ErrNoAccelerator }
