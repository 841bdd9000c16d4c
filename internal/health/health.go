// Package health implements C6: per-model HTTP health probing, a rolling
// health verdict independent of lifecycle state, and restart-on-failure
// with exponential backoff (spec.md §4.6).
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gpuctl/core/internal/config"
	"github.com/gpuctl/core/internal/types"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// registry is the subset of lifecycle.Registry a Loop drives, narrowed to
// avoid coupling this package to the rest of C4's surface.
type registry interface {
	UpdateHealth(modelID types.ModelID, healthy bool, latency time.Duration, historySize int) (types.ModelRuntime, error)
	MarkUnhealthy(modelID types.ModelID) error
	Restart(ctx context.Context, modelID types.ModelID) error
}

// Loop is one model's cooperatively-cancellable health-probing task,
// grounded on the teacher's per-resource background-task ownership pattern
// (api/pkg/runner/process_monitor.go's ProcessTracker: a task holds its own
// context.CancelFunc and is stopped explicitly, never via a shared signal).
type Loop struct {
	modelID     types.ModelID
	endpoint    string
	check       types.HealthCheckConfig
	retry       types.RetryPolicy
	historySize int
	registry    registry
	client      *retryablehttp.Client
	log         zerolog.Logger

	done chan struct{}
}

// resolveCheckConfig fills zero fields from HealthConfig defaults, mirroring
// the source's per-model-override-else-default resolution.
func resolveCheckConfig(cfg types.HealthCheckConfig, defaults config.HealthConfig) types.HealthCheckConfig {
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = defaults.DefaultIntervalSeconds
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaults.DefaultTimeoutSeconds
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaults.DefaultMaxConsecutiveFailures
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/health"
	}
	return cfg
}

// newLoop constructs a Loop. The retryablehttp client's own retry budget is
// disabled (RetryMax 0): the loop's interval is itself the retry schedule,
// and consecutive-failure counting must observe every individual probe, not
// one a client-side retry has already collapsed (spec.md §4.6).
func newLoop(
	modelID types.ModelID,
	endpoint string,
	check types.HealthCheckConfig,
	retryPolicy types.RetryPolicy,
	historySize int,
	reg registry,
	log zerolog.Logger,
) *Loop {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil

	return &Loop{
		modelID:     modelID,
		endpoint:    endpoint,
		check:       check,
		retry:       retryPolicy,
		historySize: historySize,
		registry:    reg,
		client:      client,
		log:         log.With().Str("component", "health").Str("model_id", string(modelID)).Logger(),
		done:        make(chan struct{}),
	}
}

// run is the loop body (spec.md §4.6's pseudocode). Cancellation is prompt:
// the select at the top of every iteration observes ctx.Done() before the
// next HTTP call is issued.
func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	interval := time.Duration(l.check.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		healthy, latency := l.probe(ctx)
		if _, err := l.registry.UpdateHealth(l.modelID, healthy, latency, l.historySize); err != nil {
			// Model was unregistered out from under us; the owning
			// HealthLoopSet will cancel this loop shortly.
			return
		}

		if healthy {
			consecutiveFailures = 0
			continue
		}

		consecutiveFailures++
		if consecutiveFailures < l.check.MaxConsecutiveFailures {
			continue
		}

		_ = l.registry.MarkUnhealthy(l.modelID)
		l.log.Warn().Int("consecutive_failures", consecutiveFailures).Msg("model unhealthy, requesting restart")

		if l.retry.Enabled {
			l.restartWithBackoff(ctx)
		} else {
			_ = l.registry.Restart(ctx, l.modelID)
		}
		consecutiveFailures = 0
	}
}

// restartWithBackoff drives retry_policy via the teacher's chosen backoff
// library, so a flapping engine doesn't get hammered with restarts.
func (l *Loop) restartWithBackoff(ctx context.Context) {
	attempts := uint(l.retry.MaxAttempts)
	if attempts == 0 {
		attempts = 3
	}
	initialDelay := time.Duration(l.retry.InitialDelayS * float64(time.Second))
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := time.Duration(l.retry.MaxDelayS * float64(time.Second))
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	err := retry.Do(
		func() error { return l.registry.Restart(ctx, l.modelID) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(initialDelay),
		retry.MaxDelay(maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		l.log.Error().Err(err).Msg("restart did not succeed within retry policy")
	}
}

// probe issues one HTTP GET against endpoint+health_check.endpoint_path.
func (l *Loop) probe(ctx context.Context) (bool, time.Duration) {
	timeout := time.Duration(l.check.TimeoutSeconds) * time.Second
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := l.endpoint + l.check.EndpointPath
	req, err := retryablehttp.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0
	}

	start := time.Now()
	resp, err := l.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return false, latency
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, latency
}

// ProbeOnce issues a single synchronous health GET, for callers that need
// an immediate readiness check outside a Loop's own schedule (e.g. a
// manual operator-triggered check).
func ProbeOnce(ctx context.Context, endpoint, path string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health: unexpected status %d", resp.StatusCode)
	}
	return nil
}
