//go:build !nvml

package gpu

// NewDefaultProber reports no accelerator without the nvml build tag.
func NewDefaultProber() Prober { return NoneProber{} }
