// Package types holds the data model shared by every core component:
// model configuration, runtime state, GPU snapshots, and the audit records
// the scheduler emits.
package types

import "time"

// ModelID identifies a managed model. Opaque, non-empty, unique among
// non-deleted models.
type ModelID string

// Framework selects which EngineAdapter variant drives a model.
type Framework string

const (
	FrameworkProcess   Framework = "process-engine"
	FrameworkContainer Framework = "container-engine"
)

// LifecycleState is one node of the C4 state machine (spec.md §4.4).
type LifecycleState string

const (
	StateStopped   LifecycleState = "STOPPED"
	StateStarting  LifecycleState = "STARTING"
	StateRunning   LifecycleState = "RUNNING"
	StateStopping  LifecycleState = "STOPPING"
	StateError     LifecycleState = "ERROR"
	StatePreempted LifecycleState = "PREEMPTED"
)

// HealthState is C6's rolling verdict, independent of LifecycleState.
type HealthState string

const (
	HealthUnknown   HealthState = "UNKNOWN"
	HealthHealthy   HealthState = "HEALTHY"
	HealthUnhealthy HealthState = "UNHEALTHY"
)

// HealthCheckConfig mirrors ModelConfig.health_check.
type HealthCheckConfig struct {
	Enabled                bool
	IntervalSeconds        int
	TimeoutSeconds         int
	MaxConsecutiveFailures int
	EndpointPath           string
}

// RetryPolicy mirrors ModelConfig.retry_policy.
type RetryPolicy struct {
	Enabled         bool
	MaxAttempts     int
	InitialDelayS   float64
	MaxDelayS       float64
	BackoffFactor   float64
}

// ResourceRequirements is the operator-declared shape of
// ModelConfig.resource_requirements. A non-zero GPUMemoryMB makes
// ResourceCalculator use these values as declared (zero CPU/system-memory
// fields stay zero); with GPUMemoryMB zero the whole requirement is
// estimated.
type ResourceRequirements struct {
	GPUMemoryMB    uint64
	GPUDevices     []int
	CPUCores       float64
	SystemMemoryMB uint64
}

// ModelConfig is the declared desired state of one model (spec.md §3).
type ModelConfig struct {
	ID                   ModelID
	Name                 string
	Framework            Framework
	ModelPath            string
	Priority             int // 1..10, 10 highest
	GPUDevices           []int
	Parameters           map[string]string
	ResourceRequirements ResourceRequirements
	HealthCheck          HealthCheckConfig
	RetryPolicy          RetryPolicy
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RestartRequiredFields lists ModelConfig fields whose change, while the
// model is RUNNING, forces a stop-then-restart (spec.md §4.4 `update`).
var RestartRequiredFields = []string{
	"framework", "model_path", "gpu_devices", "parameters", "resource_requirements",
}

// GpuVendor distinguishes telemetry shims.
type GpuVendor string

const (
	VendorNVIDIA GpuVendor = "nvidia"
	VendorAMD    GpuVendor = "amd"
)

// GpuInfo is a point-in-time snapshot of one physical device (C1).
type GpuInfo struct {
	DeviceID        int
	Vendor          GpuVendor
	MemoryTotalMB   uint64
	MemoryUsedMB    uint64
	MemoryFreeMB    uint64
	UtilizationPct  float64
	TemperatureC    float64
	PowerW          float64
}

// ResourceRequirement is what ResourceCalculator.estimate produces (C2).
type ResourceRequirement struct {
	GPUMemoryMB    uint64
	GPUDevices     []int // non-empty only when pinned
	CPUCores       float64
	SystemMemoryMB uint64
}

// ResourceAllocation is a reservation of specific GPU memory on specific
// devices, owned by exactly one model at a time.
type ResourceAllocation struct {
	GPUDevices       []int
	MemoryAllocatedMB uint64
	AllocatedAt      time.Time
}

// ModelRuntime is C4's per-model runtime row.
type ModelRuntime struct {
	Config                  ModelConfig
	LifecycleState           LifecycleState
	Allocation               *ResourceAllocation
	AdapterHandle            string // opaque handle id owned by the adapter
	EndpointURL              string
	LastScheduledAt          *time.Time
	PreemptionCount          int
	CurrentHealth             HealthState
	ConsecutiveHealthFailures int
	LastLatencies             []time.Duration // bounded ring, newest last
}

// Snapshot returns a deep-enough copy safe to hand to callers outside the
// per-model lock.
func (r ModelRuntime) Snapshot() ModelRuntime {
	cp := r
	if r.Allocation != nil {
		alloc := *r.Allocation
		alloc.GPUDevices = append([]int(nil), r.Allocation.GPUDevices...)
		cp.Allocation = &alloc
	}
	cp.Config.GPUDevices = append([]int(nil), r.Config.GPUDevices...)
	cp.LastLatencies = append([]time.Duration(nil), r.LastLatencies...)
	return cp
}

// ScheduleOutcome is the result code of one schedule() invocation.
type ScheduleOutcome string

const (
	OutcomeSuccess                ScheduleOutcome = "SUCCESS"
	OutcomeFailed                 ScheduleOutcome = "FAILED"
	OutcomePreemptionRateLimited  ScheduleOutcome = "PREEMPTION_RATE_LIMITED"
	OutcomeInsufficientResources  ScheduleOutcome = "INSUFFICIENT_RESOURCES"
)

// ScheduleDecision is an immutable audit record of one schedule() call.
type ScheduleDecision struct {
	DecisionID        string
	ModelID           ModelID
	DecidedAt         time.Time
	Outcome           ScheduleOutcome
	Allocation        *ResourceAllocation
	PreemptedModelIDs []ModelID
	Reason            string
	GpuSnapshotBefore []GpuInfo
	GpuSnapshotAfter  []GpuInfo
}

// RecoveryAttempt records one attempt made by the recovery loop.
type RecoveryAttempt struct {
	AttemptID   string
	ModelID     ModelID
	AttemptedAt time.Time
	Reason      string
	Success     bool
	Error       string
}
