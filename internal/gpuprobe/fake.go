package gpuprobe

import (
	"context"
	"sync"

	"github.com/gpuctl/core/internal/types"
)

// FakeSource is an in-memory Source for tests and non-NVIDIA/dev hosts.
type FakeSource struct {
	mu   sync.Mutex
	gpus []types.GpuInfo
	err  error
}

// NewFakeSource seeds a FakeSource with a fixed device list.
func NewFakeSource(gpus ...types.GpuInfo) *FakeSource {
	return &FakeSource{gpus: gpus}
}

// SetGPUs replaces the device list (used by tests to simulate usage drift).
func (f *FakeSource) SetGPUs(gpus []types.GpuInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gpus = gpus
}

// SetError makes the next ListGPUs calls fail, simulating ProbeUnavailable.
func (f *FakeSource) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// ListGPUs implements Source.
func (f *FakeSource) ListGPUs(_ context.Context) ([]types.GpuInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.GpuInfo, len(f.gpus))
	copy(out, f.gpus)
	return out, nil
}
