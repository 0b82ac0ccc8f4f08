package accel

import "context"

// cudaDriver is the production Driver wired by cmd/orchestratord. Real
// NVML/CUDA bindings are out of scope; it always reports unavailable, so
// Probe.Refresh falls back to CPU-only mode until a real binding is
// linked in.
type cudaDriver struct{}

// NewCUDADriver returns the default Driver for a production build.
func NewCUDADriver() Driver { return cudaDriver{} }

func (cudaDriver) Discover(context.Context) ([]Descriptor, error) {
	return nil, ErrProbeUnavailable
}
