// Package gpuprobe implements C1: enumerating GPUs and returning per-device
// live telemetry. Pure query interface, no mutation.
package gpuprobe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
)

// ErrProbeUnavailable is returned when the underlying vendor tooling could
// not be reached. Callers must treat this as "no GPUs visible" (spec.md §4.1).
var ErrProbeUnavailable = errors.New("gpu probe unavailable")

// Source is the vendor-specific enumeration backend (NVML, ROCm-SMI, or a
// fake for tests). It MUST return consistent DeviceID values across calls
// for the lifetime of the process (spec.md §4.1).
type Source interface {
	ListGPUs(ctx context.Context) ([]types.GpuInfo, error)
}

// Probe is C1's public interface: a single idempotent operation, optionally
// cached to throttle vendor-tool invocations.
type Probe interface {
	ListGPUs(ctx context.Context) ([]types.GpuInfo, error)
}

// CachingProbe wraps a Source with a short TTL cache, mirroring the
// teacher's GPUManager background-refresh pattern (api/pkg/runner/gpu.go)
// but pull-based rather than a ticking goroutine, since C1 is a pure query
// interface with no background owner of its own.
type CachingProbe struct {
	source Source
	ttl    time.Duration
	log    zerolog.Logger

	mu        sync.Mutex
	lastFetch time.Time
	cached    []types.GpuInfo
	cachedErr error
}

// NewCachingProbe constructs a Probe with the given cache TTL. A ttl of 0
// disables caching (every call hits source).
func NewCachingProbe(source Source, ttl time.Duration, log zerolog.Logger) *CachingProbe {
	return &CachingProbe{
		source: source,
		ttl:    ttl,
		log:    log.With().Str("component", "gpuprobe").Logger(),
	}
}

// ListGPUs returns the cached snapshot if still fresh, else refreshes.
func (p *CachingProbe) ListGPUs(ctx context.Context) ([]types.GpuInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ttl > 0 && time.Since(p.lastFetch) < p.ttl && (p.cached != nil || p.cachedErr != nil) {
		return cloneGpus(p.cached), p.cachedErr
	}

	gpus, err := p.source.ListGPUs(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("gpu enumeration failed")
		p.cached = nil
		p.cachedErr = ErrProbeUnavailable
		p.lastFetch = time.Now()
		return nil, ErrProbeUnavailable
	}

	p.cached = gpus
	p.cachedErr = nil
	p.lastFetch = time.Now()
	return cloneGpus(gpus), nil
}

func cloneGpus(in []types.GpuInfo) []types.GpuInfo {
	if in == nil {
		return nil
	}
	out := make([]types.GpuInfo, len(in))
	copy(out, in)
	return out
}
