package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu             sync.Mutex
	healthUpdates  []bool
	unhealthyCount int
	restartCount   int
}

func (f *fakeRegistry) UpdateHealth(_ types.ModelID, healthy bool, _ time.Duration, _ int) (types.ModelRuntime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthUpdates = append(f.healthUpdates, healthy)
	return types.ModelRuntime{}, nil
}

func (f *fakeRegistry) MarkUnhealthy(_ types.ModelID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthyCount++
	return nil
}

func (f *fakeRegistry) Restart(_ context.Context, _ types.ModelID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartCount++
	return nil
}

func (f *fakeRegistry) snapshot() (updates int, unhealthy int, restarts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.healthUpdates), f.unhealthyCount, f.restartCount
}

func fastCheckConfig(maxFailures int) types.HealthCheckConfig {
	return types.HealthCheckConfig{
		Enabled:                true,
		IntervalSeconds:        1,
		TimeoutSeconds:         1,
		MaxConsecutiveFailures: maxFailures,
		EndpointPath:           "/health",
	}
}

func TestLoop_RestartsAfterMaxConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	loop := newLoop("model-a", srv.URL, fastCheckConfig(2), types.RetryPolicy{Enabled: false}, 0, reg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.run(ctx)

	require.Eventually(t, func() bool {
		_, _, restarts := reg.snapshot()
		return restarts >= 1
	}, 5*time.Second, 50*time.Millisecond, "two consecutive failures should trigger a restart")

	_, unhealthy, _ := reg.snapshot()
	assert.GreaterOrEqual(t, unhealthy, 1)
}

func TestLoop_SuccessResetsConsecutiveFailureCount(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		// Two failures, one success, then two more failures: never three
		// consecutive failures, so no restart should ever fire.
		if n == 3 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	loop := newLoop("model-a", srv.URL, fastCheckConfig(3), types.RetryPolicy{Enabled: false}, 0, reg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.run(ctx)

	require.Eventually(t, func() bool {
		updates, _, _ := reg.snapshot()
		return updates >= 5
	}, 8*time.Second, 50*time.Millisecond)

	_, _, restarts := reg.snapshot()
	assert.Equal(t, 0, restarts, "a success between failure runs must reset the consecutive counter")
}

func TestLoop_RestartWithBackoffInvokesRestart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	retryPolicy := types.RetryPolicy{
		Enabled:       true,
		MaxAttempts:   2,
		InitialDelayS: 0.01,
		MaxDelayS:     0.02,
		BackoffFactor: 2.0,
	}
	loop := newLoop("model-a", srv.URL, fastCheckConfig(1), retryPolicy, 0, reg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.run(ctx)

	require.Eventually(t, func() bool {
		_, _, restarts := reg.snapshot()
		return restarts >= 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLoop_CancelStopsPromptly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	loop := newLoop("model-a", srv.URL, fastCheckConfig(3), types.RetryPolicy{Enabled: false}, 0, reg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go loop.run(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-loop.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestProbeOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	require.NoError(t, ProbeOnce(context.Background(), srv.URL, "/health", time.Second))
	require.Error(t, ProbeOnce(context.Background(), srv.URL, "/missing", time.Second))
}
