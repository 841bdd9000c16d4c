// Package config loads the core's process-wide configuration. It follows
// the teacher's envconfig-struct pattern (api/pkg/config/config.go) rather
// than a bespoke flags/yaml reader.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// CoreConfig is the top-level configuration for the decision-and-lifecycle
// engine. Loaded once at startup and threaded through CoreServices — no
// package-level globals (spec.md §9, "global singleton services").
type CoreConfig struct {
	GpuProbe  GpuProbeConfig
	Scheduler SchedulerPolicy
	Health    HealthConfig
	Router    RouterConfig
}

// GpuProbeConfig configures C1's caching layer.
type GpuProbeConfig struct {
	CacheTTL time.Duration `envconfig:"GPU_PROBE_CACHE_TTL" default:"5s"`
}

// SchedulerPolicy configures C5. Field names mirror spec.md §4.5 verbatim
// so operators recognize the knobs from the spec.
type SchedulerPolicy struct {
	MinPriorityGap            int           `envconfig:"MIN_PRIORITY_GAP" default:"1"`
	MaxPreemptionsPerHour     int           `envconfig:"MAX_PREEMPTIONS_PER_HOUR" default:"10"`
	RecoveryCheckInterval     time.Duration `envconfig:"RECOVERY_CHECK_INTERVAL" default:"60s"`
	MaxRecoveryAttempts       int           `envconfig:"MAX_RECOVERY_ATTEMPTS" default:"3"`
	MinRecoveryInterval       time.Duration `envconfig:"MIN_RECOVERY_INTERVAL" default:"30s"`
	MaxRecoveryInterval       time.Duration `envconfig:"MAX_RECOVERY_INTERVAL" default:"300s"`
	RecoveryBackoffFactor     float64       `envconfig:"RECOVERY_BACKOFF_FACTOR" default:"2.0"`
	FailureDetectionTimeout   time.Duration `envconfig:"FAILURE_DETECTION_TIMEOUT" default:"120s"`
	DecisionHistorySize       int           `envconfig:"DECISION_HISTORY_SIZE" default:"1000"`
	RecoveryAttemptsHistory   int           `envconfig:"RECOVERY_ATTEMPTS_HISTORY" default:"500"`
	StateFilePath             string        `envconfig:"SCHEDULER_STATE_FILE" default:"scheduler_state.json"`
	PersistedDecisionsLimit   int           `envconfig:"SCHEDULER_PERSISTED_DECISIONS" default:"100"`
}

// HealthConfig configures C6 defaults used when a ModelConfig omits fields.
type HealthConfig struct {
	DefaultIntervalSeconds        int `envconfig:"HEALTH_DEFAULT_INTERVAL_S" default:"10"`
	DefaultTimeoutSeconds         int `envconfig:"HEALTH_DEFAULT_TIMEOUT_S" default:"5"`
	DefaultMaxConsecutiveFailures int `envconfig:"HEALTH_DEFAULT_MAX_FAILURES" default:"3"`
	LatencyHistorySize            int `envconfig:"HEALTH_LATENCY_HISTORY_SIZE" default:"50"`
}

// RouterConfig configures C7.
type RouterConfig struct {
	DefaultPolicy           string        `envconfig:"ROUTER_DEFAULT_POLICY" default:"round-robin"`
	MaxConsecutiveFailures  int           `envconfig:"ROUTER_MAX_CONSECUTIVE_FAILURES" default:"3"`
	RequestHistorySize      int           `envconfig:"ROUTER_REQUEST_HISTORY_SIZE" default:"1000"`
	ForwardTimeout          time.Duration `envconfig:"ROUTER_FORWARD_TIMEOUT" default:"120s"`
}

// Load reads CoreConfig from the environment, matching
// config.LoadServerConfig in the teacher.
func Load() (CoreConfig, error) {
	var cfg CoreConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return CoreConfig{}, err
	}
	return cfg, nil
}
