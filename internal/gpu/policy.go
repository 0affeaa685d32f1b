// Package gpu decides model placement from accelerator memory telemetry.
package gpu

import "fmt"

// Snapshot is a point-in-time view of accelerator memory. It must be
// sampled immediately before each decision; other processes shift the
// numbers between calls, so a cached snapshot is a stale snapshot.
type Snapshot struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Placement is the outcome of a load decision.
type Placement int

const (
	// Accelerator loads silently; headroom is comfortable.
	Accelerator Placement = iota
	// AcceleratorWithWarning loads but surfaces a low-headroom warning.
	AcceleratorWithWarning
	// AskUser halts the load until the user picks between forcing the
	// accelerator and falling back.
	AskUser
	// Fallback uses the always-safe slower path.
	Fallback
)

func (p Placement) String() string {
	switch p {
	case Accelerator:
		return "accelerator"
	case AcceleratorWithWarning:
		return "accelerator_with_warning"
	case AskUser:
		return "ask_user"
	case Fallback:
		return "fallback"
	default:
		return fmt.Sprintf("placement(%d)", int(p))
	}
}

// Thresholds are the zone boundaries on the headroom ratio. Tunable via
// configuration; DefaultThresholds matches the stock policy.
type Thresholds struct {
	// Accel is the ratio above which a load is silent.
	Accel float64
	// Warn is the ratio below which the user must decide.
	Warn float64
}

// DefaultThresholds is the stock 0.40/0.20 zoning.
var DefaultThresholds = Thresholds{Accel: 0.40, Warn: 0.20}

// Decide classifies a prospective load. Pure: identical inputs always yield
// the same placement, and nothing is cached across calls.
//
// headroom = (free - footprint) / total. Zones: > Accel silent; in
// [Warn, Accel] load with warning (both boundaries resolve to the warning
// zone, the safer neighbour); < Warn ask the user. A footprint exceeding
// total memory can never fit and goes straight to Fallback.
func Decide(footprintBytes uint64, s Snapshot, t Thresholds) Placement {
	if t.Accel <= 0 && t.Warn <= 0 {
		t = DefaultThresholds
	}
	if s.TotalBytes == 0 || footprintBytes > s.TotalBytes {
		return Fallback
	}
	headroom := (float64(s.FreeBytes) - float64(footprintBytes)) / float64(s.TotalBytes)
	switch {
	case headroom > t.Accel:
		return Accelerator
	case headroom >= t.Warn:
		return AcceleratorWithWarning
	default:
		return AskUser
	}
}
