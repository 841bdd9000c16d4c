package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gpuctl/core/internal/config"
	"github.com/gpuctl/core/internal/lifecycle"
	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopResolver struct{}

func (noopResolver) For(types.Framework) (lifecycle.Adapter, error) { return nil, nil }

func newTestRouter(t *testing.T, cfg config.RouterConfig) (*Router, *lifecycle.Registry) {
	t.Helper()
	reg := lifecycle.NewRegistry(noopResolver{}, zerolog.Nop())
	r := New(reg, cfg, zerolog.Nop())
	return r, reg
}

func defaultRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		DefaultPolicy:          string(PolicyRoundRobin),
		MaxConsecutiveFailures: 3,
		RequestHistorySize:     1000,
		ForwardTimeout:         5 * time.Second,
	}
}

func TestRouter_RoundRobinCyclesTargets(t *testing.T) {
	r, _ := newTestRouter(t, defaultRouterConfig())
	r.AddTarget("model-a", "http://t1", 5, 1, false)
	r.AddTarget("model-a", "http://t2", 5, 1, false)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		target, err := r.Select("model-a")
		require.NoError(t, err)
		seen[target.EndpointURL]++
	}
	assert.Equal(t, 2, seen["http://t1"])
	assert.Equal(t, 2, seen["http://t2"])
}

func TestRouter_LeastConnectionsPrefersIdleTarget(t *testing.T) {
	r, _ := newTestRouter(t, config.RouterConfig{
		DefaultPolicy: string(PolicyLeastConnections), MaxConsecutiveFailures: 3, RequestHistorySize: 1000,
	})
	r.AddTarget("model-a", "http://busy", 5, 1, false)
	r.AddTarget("model-a", "http://idle", 5, 1, false)

	busy := r.tableFor("model-a", false).find("http://busy")
	busy.beginRequest()
	busy.beginRequest()

	target, err := r.Select("model-a")
	require.NoError(t, err)
	assert.Equal(t, "http://idle", target.EndpointURL)
}

func TestRouter_ResponseTimePrefersFasterTarget(t *testing.T) {
	r, _ := newTestRouter(t, config.RouterConfig{
		DefaultPolicy: string(PolicyResponseTime), MaxConsecutiveFailures: 3, RequestHistorySize: 1000,
	})
	r.AddTarget("model-a", "http://slow", 5, 1, false)
	r.AddTarget("model-a", "http://fast", 5, 1, false)

	slow := r.tableFor("model-a", false).find("http://slow")
	fast := r.tableFor("model-a", false).find("http://fast")
	slow.recordOutcome(3, 200, 500*time.Millisecond, nil)
	fast.recordOutcome(3, 200, 10*time.Millisecond, nil)

	target, err := r.Select("model-a")
	require.NoError(t, err)
	assert.Equal(t, "http://fast", target.EndpointURL)
}

func TestRouter_WeightedFavorsHigherWeight(t *testing.T) {
	r, _ := newTestRouter(t, config.RouterConfig{
		DefaultPolicy: string(PolicyWeighted), MaxConsecutiveFailures: 3, RequestHistorySize: 1000,
	})
	r.AddTarget("model-a", "http://heavy", 5, 99, false)
	r.AddTarget("model-a", "http://light", 5, 1, false)

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		target, err := r.Select("model-a")
		require.NoError(t, err)
		counts[target.EndpointURL]++
	}
	assert.Greater(t, counts["http://heavy"], counts["http://light"]*5)
}

func TestRouter_ConsecutiveFailuresDeactivateTarget(t *testing.T) {
	r, _ := newTestRouter(t, config.RouterConfig{
		DefaultPolicy: string(PolicyRoundRobin), MaxConsecutiveFailures: 3, RequestHistorySize: 1000,
	})
	r.AddTarget("model-a", "http://flaky", 5, 1, false)
	target := r.tableFor("model-a", false).find("http://flaky")

	for i := 0; i < 3; i++ {
		target.recordOutcome(3, 0, time.Millisecond, context.DeadlineExceeded)
	}

	assert.False(t, target.active.Load())
	_, err := r.Select("model-a")
	assert.ErrorIs(t, err, ErrNoActiveTargets)
}

func TestRouter_Forward_FailsOverOnceToSecondTarget(t *testing.T) {
	var gotAtT2 bool
	t2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAtT2 = true
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("from t2"))
	}))
	defer t2.Close()

	r, _ := newTestRouter(t, defaultRouterConfig())
	// t1 points at an address nothing is listening on, so the dial fails
	// immediately (a transport error, not a 5xx from the engine).
	r.AddTarget("model-a", "http://127.0.0.1:1", 5, 1, false)
	r.AddTarget("model-a", t2.URL, 5, 1, false)

	req := httptest.NewRequest(http.MethodGet, "/v1/generate", nil)
	rec := httptest.NewRecorder()

	err := r.Forward(context.Background(), "model-a", rec, req)
	require.NoError(t, err)
	assert.True(t, gotAtT2)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from t2", rec.Body.String())

	t1 := r.tableFor("model-a", false).find("http://127.0.0.1:1")
	assert.Equal(t, int64(1), t1.consecutiveFailures.Load())
}

func TestRouter_Forward_NoActiveTargetsReturns502(t *testing.T) {
	r, _ := newTestRouter(t, defaultRouterConfig())
	req := httptest.NewRequest(http.MethodGet, "/v1/generate", nil)
	rec := httptest.NewRecorder()

	err := r.Forward(context.Background(), "model-missing", rec, req)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRouter_OnStateChange_AddsAndRemovesTargets(t *testing.T) {
	r, _ := newTestRouter(t, defaultRouterConfig())

	running := types.ModelRuntime{
		Config:      types.ModelConfig{ID: "model-a", Priority: 5},
		EndpointURL: "http://engine:8080",
	}
	r.onStateChange(lifecycle.StateChangeEvent{
		ModelID: "model-a", From: types.StateStarting, To: types.StateRunning, Runtime: running,
	})
	targets := r.Targets("model-a")
	require.Len(t, targets, 1)
	assert.Equal(t, "http://engine:8080", targets[0].EndpointURL)

	r.onStateChange(lifecycle.StateChangeEvent{
		ModelID: "model-a", From: types.StateRunning, To: types.StateStopping, Runtime: running,
	})
	assert.Empty(t, r.Targets("model-a"))
}

func TestRouter_OnHealthChange_FlipsActive(t *testing.T) {
	r, _ := newTestRouter(t, defaultRouterConfig())
	r.AddTarget("model-a", "http://engine:8080", 5, 1, false)

	r.onHealthChange(lifecycle.HealthChangeEvent{ModelID: "model-a", Endpoint: "http://engine:8080", Healthy: false})
	_, err := r.Select("model-a")
	assert.ErrorIs(t, err, ErrNoActiveTargets)

	r.onHealthChange(lifecycle.HealthChangeEvent{ModelID: "model-a", Endpoint: "http://engine:8080", Healthy: true})
	target, err := r.Select("model-a")
	require.NoError(t, err)
	assert.Equal(t, "http://engine:8080", target.EndpointURL)
}

func TestRouter_AddTarget_HealthCheckEnabledStartsInactiveUntilFirstProbe(t *testing.T) {
	r, _ := newTestRouter(t, defaultRouterConfig())
	r.AddTarget("model-a", "http://engine:8080", 5, 1, true)

	_, err := r.Select("model-a")
	assert.ErrorIs(t, err, ErrNoActiveTargets, "a RUNNING target with health checking enabled must not be routable before its first healthy probe")

	r.onHealthChange(lifecycle.HealthChangeEvent{ModelID: "model-a", Endpoint: "http://engine:8080", Healthy: true})
	target, err := r.Select("model-a")
	require.NoError(t, err)
	assert.Equal(t, "http://engine:8080", target.EndpointURL)
}

func TestRouter_AddTarget_HealthCheckDisabledStartsActiveImmediately(t *testing.T) {
	r, _ := newTestRouter(t, defaultRouterConfig())
	r.AddTarget("model-a", "http://engine:8080", 5, 1, false)

	target, err := r.Select("model-a")
	require.NoError(t, err, "a model with health_check.enabled=false has no event that will ever activate it, so it must start active")
	assert.Equal(t, "http://engine:8080", target.EndpointURL)
}
