package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter always starts/stops successfully, so these tests exercise the
// registry's own state machine rather than a real engine.
type fakeAdapter struct {
	startErr error
	stopErr  error
}

func (a fakeAdapter) Start(_ context.Context, cfg types.ModelConfig) AdapterStartResult {
	if a.startErr != nil {
		return AdapterStartResult{OK: false, Err: a.startErr}
	}
	return AdapterStartResult{OK: true, EndpointURL: "http://127.0.0.1:9000/"}
}
func (a fakeAdapter) Stop(_ context.Context, _ types.ModelID) error { return a.stopErr }
func (a fakeAdapter) Probe(_ context.Context, _ types.ModelID) bool { return true }

type fakeResolver struct{ adapter fakeAdapter }

func (r fakeResolver) For(types.Framework) (Adapter, error) { return r.adapter, nil }

// fakeScheduler drives the registry the same way the real scheduler would:
// placement immediately followed by BeginStarting/CompleteStart.
type fakeScheduler struct {
	registry *Registry
	alloc    types.ResourceAllocation
	startErr error
}

func (s *fakeScheduler) Schedule(ctx context.Context, modelID types.ModelID) error {
	if _, err := s.registry.BeginStarting(modelID, s.alloc); err != nil {
		return err
	}
	adapter, err := s.registry.adapters.For(types.FrameworkProcess)
	if err != nil {
		return err
	}
	cfg, err := s.registry.Status(modelID)
	if err != nil {
		return err
	}
	result := adapter.Start(ctx, cfg.Config)
	return s.registry.CompleteStart(modelID, result)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeScheduler) {
	t.Helper()
	resolver := fakeResolver{adapter: fakeAdapter{}}
	reg := NewRegistry(resolver, zerolog.Nop())
	sched := &fakeScheduler{registry: reg}
	reg.SetScheduler(sched)
	return reg, sched
}

func TestRegistry_StartTransitionsStoppedToRunning(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := types.ModelConfig{ID: "model-a", Framework: types.FrameworkProcess}
	require.NoError(t, reg.Register(cfg))

	var events []StateChangeEvent
	reg.OnStateChange(func(ev StateChangeEvent) { events = append(events, ev) })

	require.NoError(t, reg.Start(context.Background(), "model-a"))

	rt, err := reg.Status("model-a")
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, rt.LifecycleState)
	assert.Equal(t, "http://127.0.0.1:9000/", rt.EndpointURL)

	require.Len(t, events, 2)
	assert.Equal(t, types.StateStarting, events[0].To)
	assert.Equal(t, types.StateRunning, events[1].To)
}

func TestRegistry_StartIsIdempotentWhenAlreadyRunning(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := types.ModelConfig{ID: "model-a", Framework: types.FrameworkProcess}
	require.NoError(t, reg.Register(cfg))
	require.NoError(t, reg.Start(context.Background(), "model-a"))

	require.NoError(t, reg.Start(context.Background(), "model-a"))

	rt, err := reg.Status("model-a")
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, rt.LifecycleState)
}

func TestRegistry_CompleteStartFailureMarksError(t *testing.T) {
	resolver := fakeResolver{adapter: fakeAdapter{startErr: assertErr}}
	reg := NewRegistry(resolver, zerolog.Nop())
	sched := &fakeScheduler{registry: reg}
	reg.SetScheduler(sched)

	cfg := types.ModelConfig{ID: "model-a", Framework: types.FrameworkProcess}
	require.NoError(t, reg.Register(cfg))

	err := reg.Start(context.Background(), "model-a")
	assert.ErrorIs(t, err, assertErr)

	rt, statusErr := reg.Status("model-a")
	require.NoError(t, statusErr)
	assert.Equal(t, types.StateError, rt.LifecycleState)
	assert.Nil(t, rt.Allocation)
}

func TestRegistry_StopIsIdempotentWhenAlreadyStopped(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := types.ModelConfig{ID: "model-a", Framework: types.FrameworkProcess}
	require.NoError(t, reg.Register(cfg))

	require.NoError(t, reg.Stop(context.Background(), "model-a"))

	rt, err := reg.Status("model-a")
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, rt.LifecycleState)
}

func TestRegistry_StopReleasesAllocationAndEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := types.ModelConfig{ID: "model-a", Framework: types.FrameworkProcess}
	require.NoError(t, reg.Register(cfg))
	require.NoError(t, reg.Start(context.Background(), "model-a"))

	require.NoError(t, reg.Stop(context.Background(), "model-a"))

	rt, err := reg.Status("model-a")
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, rt.LifecycleState)
	assert.Empty(t, rt.EndpointURL)
	assert.Nil(t, rt.Allocation)
}

func TestRegistry_MarkPreemptedRequiresRunningOrStarting(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := types.ModelConfig{ID: "model-a", Framework: types.FrameworkProcess}
	require.NoError(t, reg.Register(cfg))

	err := reg.MarkPreempted(context.Background(), "model-a")
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, reg.Start(context.Background(), "model-a"))
	require.NoError(t, reg.MarkPreempted(context.Background(), "model-a"))

	rt, statusErr := reg.Status("model-a")
	require.NoError(t, statusErr)
	assert.Equal(t, types.StatePreempted, rt.LifecycleState)
	assert.Equal(t, 1, rt.PreemptionCount)
}

func TestRegistry_UpdateHealth_EmitsHealthChangeOnlyOnRecovery(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := types.ModelConfig{ID: "model-a", Framework: types.FrameworkProcess}
	require.NoError(t, reg.Register(cfg))
	require.NoError(t, reg.Start(context.Background(), "model-a"))

	var events []HealthChangeEvent
	reg.OnHealthChange(func(ev HealthChangeEvent) { events = append(events, ev) })

	_, err := reg.UpdateHealth("model-a", true, 5*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, events, 1, "first healthy probe after an unknown state should notify")
	assert.True(t, events[0].Healthy)

	_, err = reg.UpdateHealth("model-a", true, 5*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1, "a second consecutive healthy probe should not re-notify")

	require.NoError(t, reg.MarkUnhealthy("model-a"))
	require.Len(t, events, 2)
	assert.False(t, events[1].Healthy)

	_, err = reg.UpdateHealth("model-a", true, 5*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, events, 3, "the transition back to healthy after an unhealthy mark should notify again")
	assert.True(t, events[2].Healthy)
}

func TestRegistry_UpdateHealth_BoundsLatencyHistory(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := types.ModelConfig{ID: "model-a", Framework: types.FrameworkProcess}
	require.NoError(t, reg.Register(cfg))
	require.NoError(t, reg.Start(context.Background(), "model-a"))

	for i := 0; i < 5; i++ {
		_, err := reg.UpdateHealth("model-a", true, time.Duration(i+1)*time.Millisecond, 3)
		require.NoError(t, err)
	}

	rt, err := reg.Status("model-a")
	require.NoError(t, err)
	assert.Len(t, rt.LastLatencies, 3)
	assert.Equal(t, 5*time.Millisecond, rt.LastLatencies[len(rt.LastLatencies)-1])
}

func TestRegistry_AllocatedMemoryPerGPU_SplitsAcrossDevices(t *testing.T) {
	reg, sched := newTestRegistry(t)
	sched.alloc = types.ResourceAllocation{GPUDevices: []int{0, 1}, MemoryAllocatedMB: 2000}

	cfg := types.ModelConfig{ID: "model-a", Framework: types.FrameworkProcess}
	require.NoError(t, reg.Register(cfg))
	require.NoError(t, reg.Start(context.Background(), "model-a"))

	totals := reg.AllocatedMemoryPerGPU()
	assert.Equal(t, uint64(1000), totals[0])
	assert.Equal(t, uint64(1000), totals[1])
}

var assertErr = assertError("adapter start failed")

type assertError string

func (e assertError) Error() string { return string(e) }
