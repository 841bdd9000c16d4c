package gpuprobe

import (
	"context"
	"testing"
	"time"

	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachingProbe_CachesWithinTTL(t *testing.T) {
	source := NewFakeSource(types.GpuInfo{DeviceID: 0, MemoryTotalMB: 24576, MemoryFreeMB: 24576})
	probe := NewCachingProbe(source, time.Minute, zerolog.Nop())

	first, err := probe.ListGPUs(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	source.SetGPUs([]types.GpuInfo{{DeviceID: 0, MemoryTotalMB: 24576, MemoryFreeMB: 0}})

	second, err := probe.ListGPUs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(24576), second[0].MemoryFreeMB, "expected stale cached snapshot within TTL")
}

func TestCachingProbe_RefreshesAfterTTL(t *testing.T) {
	source := NewFakeSource(types.GpuInfo{DeviceID: 0, MemoryFreeMB: 24576})
	probe := NewCachingProbe(source, time.Millisecond, zerolog.Nop())

	_, err := probe.ListGPUs(context.Background())
	require.NoError(t, err)

	source.SetGPUs([]types.GpuInfo{{DeviceID: 0, MemoryFreeMB: 1000}})
	time.Sleep(5 * time.Millisecond)

	refreshed, err := probe.ListGPUs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), refreshed[0].MemoryFreeMB)
}

func TestCachingProbe_UnavailableOnSourceError(t *testing.T) {
	source := NewFakeSource()
	source.SetError(assertErr{})
	probe := NewCachingProbe(source, 0, zerolog.Nop())

	gpus, err := probe.ListGPUs(context.Background())
	require.ErrorIs(t, err, ErrProbeUnavailable)
	assert.Nil(t, gpus)
}

type assertErr struct{}

func (assertErr) Error() string { return "vendor tool failed" }
