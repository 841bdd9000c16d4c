// Package lifecycle implements C4: the authoritative in-memory table of
// managed models, their lifecycle state machine, and event notification.
// All mutations are serialized per model; distinct models proceed in
// parallel (spec.md §4.4).
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gpuctl/core/internal/types"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Sentinel errors for operator-facing operations (ValidationError kind,
// spec.md §7).
var (
	ErrAlreadyExists  = errors.New("lifecycle: model already registered")
	ErrNotFound       = errors.New("lifecycle: model not found")
	ErrInvalidState   = errors.New("lifecycle: operation not valid in current state")
)

// Scheduler is the subset of C5 that C4 calls into to place a model. Kept
// as a narrow interface to avoid an import cycle between lifecycle and
// scheduler (the scheduler in turn calls back into lifecycle to mutate
// state, per spec.md's C4/C5 ownership split).
type Scheduler interface {
	Schedule(ctx context.Context, modelID types.ModelID) error
}

// StateChangeEvent is delivered to listeners registered via OnStateChange.
type StateChangeEvent struct {
	ModelID  types.ModelID
	From     types.LifecycleState
	To       types.LifecycleState
	Runtime  types.ModelRuntime
}

// Listener receives lifecycle events. emit always fires listeners after
// the triggering mutation has released row.mu (spec.md §4.6/§5: never
// hold the per-model lock while awaiting I/O), so a listener that blocks
// delays only its caller, never the lock. (C6's LoopSet.Stop only cancels
// the outgoing health loop and does not wait for it.)
type Listener func(StateChangeEvent)

// HealthChangeEvent is delivered to listeners registered via
// OnHealthChange, independently of lifecycle transitions (spec.md §4.7:
// the router sets active=false on unhealthy and restores it on the next
// healthy probe, neither of which is itself a lifecycle transition).
type HealthChangeEvent struct {
	ModelID  types.ModelID
	Endpoint string
	Healthy  bool
}

// HealthListener receives health-verdict flips. Same non-blocking
// contract as Listener.
type HealthListener func(HealthChangeEvent)

// modelRow is the per-model guarded state. The mutex here is the "per-model
// lock" spec.md §3/§4.4 refers to.
type modelRow struct {
	mu      sync.Mutex
	runtime types.ModelRuntime
}

// Registry is C4: ModelRegistry & Lifecycle.
type Registry struct {
	log zerolog.Logger

	rows      *xsync.MapOf[types.ModelID, *modelRow]
	listeners []Listener
	listenersMu sync.Mutex

	healthListeners   []HealthListener
	healthListenersMu sync.Mutex

	scheduler Scheduler
	adapters  AdapterResolver
}

// AdapterResolver returns the EngineAdapter for a given framework, so C4
// never depends on a concrete adapter package directly (spec.md's
// dependency-injection design note).
type AdapterResolver interface {
	For(framework types.Framework) (Adapter, error)
}

// Adapter is the subset of EngineAdapter that C4 drives directly.
type Adapter interface {
	Start(ctx context.Context, cfg types.ModelConfig) AdapterStartResult
	Stop(ctx context.Context, modelID types.ModelID) error
	Probe(ctx context.Context, modelID types.ModelID) bool
}

// AdapterStartResult mirrors adapter.StartResult without importing the
// adapter package (kept structurally compatible).
type AdapterStartResult struct {
	OK          bool
	EndpointURL string
	Err         error
}

// NewRegistry constructs C4. The scheduler is supplied later via
// SetScheduler to break the C4<->C5 construction cycle (C5 needs a
// reference to C4's mutation calls; C4 needs C5 to place models).
func NewRegistry(adapters AdapterResolver, log zerolog.Logger) *Registry {
	return &Registry{
		log:      log.With().Str("component", "lifecycle").Logger(),
		rows:     xsync.NewMapOf[types.ModelID, *modelRow](),
		adapters: adapters,
	}
}

// SetScheduler wires C5 in after construction.
func (r *Registry) SetScheduler(s Scheduler) { r.scheduler = s }

// OnStateChange registers a listener (used by C7 and the hot-reload
// watcher). Not safe to call concurrently with an in-flight transition
// that would race listener registration — callers register once at
// startup, matching the teacher's callback-registration pattern.
func (r *Registry) OnStateChange(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) emit(ev StateChangeEvent) {
	r.listenersMu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.listenersMu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// OnHealthChange registers a listener for health-verdict flips (used by
// C7 to flip a target's active flag without coupling to C6 directly).
func (r *Registry) OnHealthChange(l HealthListener) {
	r.healthListenersMu.Lock()
	defer r.healthListenersMu.Unlock()
	r.healthListeners = append(r.healthListeners, l)
}

func (r *Registry) emitHealth(ev HealthChangeEvent) {
	r.healthListenersMu.Lock()
	listeners := append([]HealthListener(nil), r.healthListeners...)
	r.healthListenersMu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Register inserts a new runtime in state STOPPED; rejects duplicate ids.
func (r *Registry) Register(cfg types.ModelConfig) error {
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	row := &modelRow{runtime: types.ModelRuntime{
		Config:         cfg,
		LifecycleState: types.StateStopped,
		CurrentHealth:  types.HealthUnknown,
	}}

	_, loaded := r.rows.LoadOrStore(cfg.ID, row)
	if loaded {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.ID)
	}
	return nil
}

// Update replaces a model's config. If RUNNING and the delta intersects
// the restart-required field set, stop then re-start with the new config
// (spec.md §4.4).
func (r *Registry) Update(ctx context.Context, modelID types.ModelID, newCfg types.ModelConfig) error {
	row, ok := r.rows.Load(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}

	row.mu.Lock()
	wasRunning := row.runtime.LifecycleState == types.StateRunning
	oldCfg := row.runtime.Config
	newCfg.CreatedAt = oldCfg.CreatedAt
	newCfg.UpdatedAt = time.Now()
	needsRestart := wasRunning && restartRequired(oldCfg, newCfg)
	row.runtime.Config = newCfg
	row.mu.Unlock()

	if needsRestart {
		if err := r.Stop(ctx, modelID); err != nil {
			return err
		}
		return r.Start(ctx, modelID)
	}
	return nil
}

func restartRequired(old, next types.ModelConfig) bool {
	if old.Framework != next.Framework {
		return true
	}
	if old.ModelPath != next.ModelPath {
		return true
	}
	if !intSliceEqual(old.GPUDevices, next.GPUDevices) {
		return true
	}
	if !mapEqual(old.Parameters, next.Parameters) {
		return true
	}
	if old.ResourceRequirements != next.ResourceRequirements {
		return true
	}
	return false
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Unregister stops if running, then deletes.
func (r *Registry) Unregister(ctx context.Context, modelID types.ModelID) error {
	row, ok := r.rows.Load(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}

	row.mu.Lock()
	state := row.runtime.LifecycleState
	row.mu.Unlock()

	if state != types.StateStopped {
		if err := r.Stop(ctx, modelID); err != nil {
			return err
		}
	}
	r.rows.Delete(modelID)
	return nil
}

// Start calls the scheduler for placement; on success marks STARTING,
// delegates to the adapter, on adapter success transitions to RUNNING; on
// any failure transitions to ERROR (spec.md §4.4).
//
// Idempotent: Start on an already-RUNNING or STARTING model is a no-op
// success (spec.md §8 "Idempotence").
func (r *Registry) Start(ctx context.Context, modelID types.ModelID) error {
	row, ok := r.rows.Load(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}

	row.mu.Lock()
	if row.runtime.LifecycleState == types.StateRunning ||
		row.runtime.LifecycleState == types.StateStarting {
		row.mu.Unlock()
		return nil
	}
	if row.runtime.LifecycleState != types.StateStopped &&
		row.runtime.LifecycleState != types.StateError &&
		row.runtime.LifecycleState != types.StatePreempted {
		row.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, row.runtime.LifecycleState)
	}
	row.mu.Unlock()

	if r.scheduler == nil {
		return errors.New("lifecycle: scheduler not wired")
	}
	return r.scheduler.Schedule(ctx, modelID)
}

// BeginStarting transitions STOPPED/ERROR/PREEMPTED -> STARTING. Called by
// the scheduler once placement succeeds and it is ready to launch the
// adapter (spec.md §4.5.1 step 3).
func (r *Registry) BeginStarting(modelID types.ModelID, alloc types.ResourceAllocation) (types.ModelConfig, error) {
	row, ok := r.rows.Load(modelID)
	if !ok {
		return types.ModelConfig{}, fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}

	row.mu.Lock()
	from := row.runtime.LifecycleState
	row.runtime.LifecycleState = types.StateStarting
	row.runtime.Allocation = &alloc
	cfg := row.runtime.Config
	snap := row.runtime.Snapshot()
	row.mu.Unlock()

	r.emit(StateChangeEvent{ModelID: modelID, From: from, To: types.StateStarting, Runtime: snap})
	return cfg, nil
}

// CompleteStart transitions STARTING -> RUNNING on adapter success, or
// STARTING -> ERROR on adapter failure, releasing the allocation in the
// failure case.
func (r *Registry) CompleteStart(modelID types.ModelID, result AdapterStartResult) error {
	row, ok := r.rows.Load(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}

	row.mu.Lock()
	from := row.runtime.LifecycleState
	if !result.OK {
		row.runtime.LifecycleState = types.StateError
		row.runtime.Allocation = nil
		snap := row.runtime.Snapshot()
		row.mu.Unlock()
		r.emit(StateChangeEvent{ModelID: modelID, From: from, To: types.StateError, Runtime: snap})
		return result.Err
	}

	row.runtime.LifecycleState = types.StateRunning
	row.runtime.EndpointURL = result.EndpointURL
	row.runtime.CurrentHealth = types.HealthUnknown
	now := time.Now()
	row.runtime.LastScheduledAt = &now
	snap := row.runtime.Snapshot()
	row.mu.Unlock()

	r.emit(StateChangeEvent{ModelID: modelID, From: from, To: types.StateRunning, Runtime: snap})
	return nil
}

// Stop marks STOPPING, cancels health checking (the caller, HealthLoopSet,
// observes the STOPPING transition via listener), calls the adapter's
// Stop, transitions to STOPPED, and releases the allocation.
//
// Idempotent: Stop on an already-STOPPED model is a no-op success.
func (r *Registry) Stop(ctx context.Context, modelID types.ModelID) error {
	row, ok := r.rows.Load(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}

	row.mu.Lock()
	if row.runtime.LifecycleState == types.StateStopped {
		row.mu.Unlock()
		return nil
	}
	from := row.runtime.LifecycleState
	cfg := row.runtime.Config
	row.runtime.LifecycleState = types.StateStopping
	snap := row.runtime.Snapshot()
	row.mu.Unlock()

	r.emit(StateChangeEvent{ModelID: modelID, From: from, To: types.StateStopping, Runtime: snap})

	adapter, err := r.adapters.For(cfg.Framework)
	if err != nil {
		return err
	}
	stopErr := adapter.Stop(ctx, modelID)

	row.mu.Lock()
	row.runtime.LifecycleState = types.StateStopped
	row.runtime.Allocation = nil
	row.runtime.EndpointURL = ""
	row.runtime.CurrentHealth = types.HealthUnknown
	row.runtime.ConsecutiveHealthFailures = 0
	snap = row.runtime.Snapshot()
	row.mu.Unlock()

	r.emit(StateChangeEvent{ModelID: modelID, From: types.StateStopping, To: types.StateStopped, Runtime: snap})

	if stopErr != nil {
		r.log.Warn().Err(stopErr).Str("model_id", string(modelID)).Msg("adapter stop reported an error; model marked STOPPED anyway")
	}
	return nil
}

// Restart stops then starts, with a brief cool-down (spec.md §4.4).
func (r *Registry) Restart(ctx context.Context, modelID types.ModelID) error {
	if err := r.Stop(ctx, modelID); err != nil {
		return err
	}
	time.Sleep(restartCooldown)
	return r.Start(ctx, modelID)
}

const restartCooldown = 250 * time.Millisecond

// MarkError forces a model to ERROR, releasing its allocation. Used by the
// scheduler's stuck-running detection (spec.md §4.5.2); a preemption whose
// adapter stop fails is forced to ERROR by MarkPreempted itself.
func (r *Registry) MarkError(modelID types.ModelID, reason string) error {
	row, ok := r.rows.Load(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}

	row.mu.Lock()
	from := row.runtime.LifecycleState
	row.runtime.LifecycleState = types.StateError
	row.runtime.Allocation = nil
	row.runtime.EndpointURL = ""
	snap := row.runtime.Snapshot()
	row.mu.Unlock()

	r.log.Info().Str("model_id", string(modelID)).Str("reason", reason).Msg("model forced to ERROR")
	r.emit(StateChangeEvent{ModelID: modelID, From: from, To: types.StateError, Runtime: snap})
	return nil
}

// MarkPreempted transitions RUNNING/STARTING -> PREEMPTED, stopping the
// adapter and releasing the allocation (spec.md §4.5.1, invariant I5). If
// the adapter's Stop fails, the model goes to ERROR instead.
func (r *Registry) MarkPreempted(ctx context.Context, modelID types.ModelID) error {
	row, ok := r.rows.Load(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}

	row.mu.Lock()
	from := row.runtime.LifecycleState
	if from != types.StateRunning && from != types.StateStarting {
		row.mu.Unlock()
		return fmt.Errorf("%w: cannot preempt from %s", ErrInvalidState, from)
	}
	cfg := row.runtime.Config
	row.mu.Unlock()

	adapter, err := r.adapters.For(cfg.Framework)
	var stopErr error
	if err == nil {
		stopErr = adapter.Stop(ctx, modelID)
	} else {
		stopErr = err
	}

	to := types.StatePreempted
	if stopErr != nil {
		to = types.StateError
	}

	row.mu.Lock()
	row.runtime.LifecycleState = to
	row.runtime.Allocation = nil
	row.runtime.EndpointURL = ""
	row.runtime.PreemptionCount++
	snap := row.runtime.Snapshot()
	row.mu.Unlock()

	r.emit(StateChangeEvent{ModelID: modelID, From: from, To: to, Runtime: snap})

	if stopErr != nil {
		r.log.Warn().Err(stopErr).Str("model_id", string(modelID)).Msg("adapter stop failed during preemption; model forced to ERROR")
	}
	return nil
}

// Status returns a snapshot of one model's runtime row.
func (r *Registry) Status(modelID types.ModelID) (types.ModelRuntime, error) {
	row, ok := r.rows.Load(modelID)
	if !ok {
		return types.ModelRuntime{}, fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.runtime.Snapshot(), nil
}

// List returns snapshots of all managed models.
func (r *Registry) List() []types.ModelRuntime {
	var out []types.ModelRuntime
	r.rows.Range(func(id types.ModelID, row *modelRow) bool {
		row.mu.Lock()
		out = append(out, row.runtime.Snapshot())
		row.mu.Unlock()
		return true
	})
	return out
}

// UpdateHealth flips current_health under the per-model lock only — never
// while awaiting I/O (spec.md §4.6). Returns the resulting runtime for the
// caller (HealthLoop) to decide whether to trigger recovery.
func (r *Registry) UpdateHealth(modelID types.ModelID, healthy bool, latency time.Duration, historySize int) (types.ModelRuntime, error) {
	row, ok := r.rows.Load(modelID)
	if !ok {
		return types.ModelRuntime{}, fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}

	row.mu.Lock()

	wasHealthy := row.runtime.CurrentHealth == types.HealthHealthy
	if healthy {
		row.runtime.ConsecutiveHealthFailures = 0
		row.runtime.CurrentHealth = types.HealthHealthy
	} else {
		row.runtime.ConsecutiveHealthFailures++
	}

	if historySize > 0 {
		row.runtime.LastLatencies = append(row.runtime.LastLatencies, latency)
		if len(row.runtime.LastLatencies) > historySize {
			row.runtime.LastLatencies = row.runtime.LastLatencies[len(row.runtime.LastLatencies)-historySize:]
		}
	}

	endpoint := row.runtime.EndpointURL
	snap := row.runtime.Snapshot()
	row.mu.Unlock()

	if healthy && !wasHealthy {
		r.emitHealth(HealthChangeEvent{ModelID: modelID, Endpoint: endpoint, Healthy: true})
	}

	return snap, nil
}

// MarkUnhealthy sets current_health = UNHEALTHY and resets the failure
// counter after the corrective action has been requested (spec.md §4.6).
func (r *Registry) MarkUnhealthy(modelID types.ModelID) error {
	row, ok := r.rows.Load(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}
	row.mu.Lock()
	row.runtime.CurrentHealth = types.HealthUnhealthy
	row.runtime.ConsecutiveHealthFailures = 0
	endpoint := row.runtime.EndpointURL
	row.mu.Unlock()

	r.emitHealth(HealthChangeEvent{ModelID: modelID, Endpoint: endpoint, Healthy: false})
	return nil
}

// AllocatedMemoryPerGPU sums, per GPU device, each current allocation's
// share of memory_allocated_mb (an allocation spanning n devices counts
// memory_allocated_mb/n on each of them), for the scheduler to subtract
// from a fresh probe snapshot (spec.md §4.5.1 step 1, invariant I2).
func (r *Registry) AllocatedMemoryPerGPU() map[int]uint64 {
	totals := make(map[int]uint64)
	r.rows.Range(func(_ types.ModelID, row *modelRow) bool {
		row.mu.Lock()
		if row.runtime.Allocation != nil {
			perDevice := row.runtime.Allocation.MemoryAllocatedMB
			if n := len(row.runtime.Allocation.GPUDevices); n > 1 {
				perDevice /= uint64(n)
			}
			for _, d := range row.runtime.Allocation.GPUDevices {
				totals[d] += perDevice
			}
		}
		row.mu.Unlock()
		return true
	})
	return totals
}
