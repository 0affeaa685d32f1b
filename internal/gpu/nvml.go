//go:build nvml

package gpu

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVMLProber queries device 0 through NVML. Built with -tags=nvml; the
// default build falls back to NoneProber so machines without the NVIDIA
// driver still run on the fallback path.
type NVMLProber struct {
	index int
}

// NewNVMLProber initializes NVML once and probes the given device index.
func NewNVMLProber(index int) (*NVMLProber, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("gpu: nvml init: %s", nvml.ErrorString(ret))
	}
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("gpu: nvml device count: %s", nvml.ErrorString(ret))
	}
	if index < 0 || index >= count {
		return nil, ErrNoAccelerator
	}
	return &NVMLProber{index: index}, nil
}

func (p *NVMLProber) Probe() (Snapshot, error) {
	dev, ret := nvml.DeviceGetHandleByIndex(p.index)
	if ret != nvml.SUCCESS {
		return Snapshot{}, fmt.Errorf("gpu: nvml device %d: %s", p.index, nvml.ErrorString(ret))
	}
	mem, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return Snapshot{}, fmt.Errorf("gpu: nvml memory info: %s", nvml.ErrorString(ret))
	}
	return Snapshot{TotalBytes: mem.Total, FreeBytes: mem.Free}, nil
}

// Shutdown releases the NVML handle.
func (p *NVMLProber) Shutdown() {
	_ = nvml.Shutdown()
}

// NewDefaultProber returns the NVML prober for device 0, or NoneProber when
// initialization fails.
func NewDefaultProber() Prober {
	p, err := NewNVMLProber(0)
	if err != nil {
		return NoneProber{}
	}
	return p
}
