// Package scheduler implements C5: GPU placement, priority-based
// preemption, and the background recovery loop that retries failed and
// preempted models (spec.md §4.5).
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gpuctl/core/internal/config"
	"github.com/gpuctl/core/internal/gpuprobe"
	"github.com/gpuctl/core/internal/lifecycle"
	"github.com/gpuctl/core/internal/resource"
	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
)

// Scheduler is C5. A single global lock serializes the *decision* made by
// schedule() across all models — acquired before any per-model lock inside
// lifecycle.Registry is touched, to avoid the lock-ordering inversion
// spec.md §4.4 warns about. The lock is released before any adapter I/O
// (process spawn, container start/stop, image pull) runs, per spec.md §5:
// "no core-region code performs blocking I/O while holding the global
// scheduler lock".
type Scheduler struct {
	log       zerolog.Logger
	policy    config.SchedulerPolicy
	gpus      gpuprobe.Probe
	calc      *resource.Calculator
	registry  *lifecycle.Registry
	adapters  lifecycle.AdapterResolver
	decisions *DecisionLog
	budget    *PreemptionBudget

	mu sync.Mutex

	recovery *recoveryTracker
}

// New constructs C5. The caller must still call registry.SetScheduler(s)
// to complete the C4<->C5 wiring (spec.md's dependency-injection note).
func New(
	policy config.SchedulerPolicy,
	gpus gpuprobe.Probe,
	calc *resource.Calculator,
	registry *lifecycle.Registry,
	adapters lifecycle.AdapterResolver,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		log:       log.With().Str("component", "scheduler").Logger(),
		policy:    policy,
		gpus:      gpus,
		calc:      calc,
		registry:  registry,
		adapters:  adapters,
		decisions: NewDecisionLog(policy.DecisionHistorySize),
		budget:    NewPreemptionBudget(policy.MaxPreemptionsPerHour),
		recovery:  newRecoveryTracker(),
	}
}

// Decisions exposes the audit log for an operator-facing read endpoint.
func (s *Scheduler) Decisions() *DecisionLog { return s.decisions }

// placement is the outcome of the lock-held decision phase: which victims
// (if any) to preempt, and the allocation to launch with if placement
// succeeds. Executing against it (stopping victims, starting the new
// model) happens entirely outside the global lock.
type placement struct {
	cfg       types.ModelConfig
	victims   []types.ModelID
	alloc     *types.ResourceAllocation
	ok        bool
	outcome   types.ScheduleOutcome
	reason    string
	before    []types.GpuInfo
	after     []types.GpuInfo
	returnErr error
}

// Schedule implements lifecycle.Scheduler: place modelID on a GPU, launch
// it through its adapter, preempting lower-priority models if needed
// (spec.md §4.5.1).
func (s *Scheduler) Schedule(ctx context.Context, modelID types.ModelID) error {
	p, err := s.decide(ctx, modelID)
	if err != nil {
		return err
	}

	for _, victim := range p.victims {
		if err := s.registry.MarkPreempted(ctx, victim); err != nil {
			s.log.Warn().Err(err).Str("victim_id", string(victim)).Msg("preemption failed; adapter left running, ledger already reflects the model as preempted")
			continue
		}
		s.recovery.enqueue(victim, "preempted")
	}

	if !p.ok {
		after := p.after
		if after == nil {
			after = p.before
		}
		s.recordDecision(modelID, p.outcome, nil, p.victims, p.reason, p.before, after)
		return p.returnErr
	}

	if err := s.allocateAndLaunch(ctx, modelID, p.cfg, *p.alloc); err != nil {
		s.recordDecision(modelID, types.OutcomeFailed, p.alloc, p.victims, err.Error(), p.before, p.after)
		s.recovery.enqueue(modelID, "launch failed")
		return err
	}
	s.recordDecision(modelID, types.OutcomeSuccess, p.alloc, p.victims, p.reason, p.before, p.after)
	return nil
}

// decide runs entirely under the global scheduler lock: it never calls an
// adapter and never performs HTTP or process I/O, only GPU telemetry
// lookups (already TTL-cached by C1) and in-memory bookkeeping. Victim
// selection is simulated against a local copy of the allocation ledger so
// the actual MarkPreempted (which does call the adapter) can run after the
// lock is released (spec.md §5).
func (s *Scheduler) decide(ctx context.Context, modelID types.ModelID) (placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runtime, err := s.registry.Status(modelID)
	if err != nil {
		return placement{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	cfg := runtime.Config

	gpus, allocated, err := s.snapshotInventory(ctx)
	if err != nil {
		return placement{}, err
	}
	before := renderInventory(gpus, allocated)

	req := s.calc.Estimate(cfg)
	plan := s.calc.Plan(req, before)
	if plan.OK {
		return placement{
			cfg: cfg, alloc: plan.Allocation, ok: true,
			outcome: types.OutcomeSuccess, reason: "direct placement",
			before: before, after: renderInventory(gpus, applyAllocation(allocated, *plan.Allocation)),
		}, nil
	}

	return s.decidePreemption(modelID, cfg, req, gpus, allocated, before, plan)
}

// snapshotInventory queries C1 and returns both the raw snapshot and a
// mutable copy of C4's per-device allocation ledger, so decide and
// decidePreemption can simulate freeing memory without mutating the real
// registry yet.
func (s *Scheduler) snapshotInventory(ctx context.Context) ([]types.GpuInfo, map[int]uint64, error) {
	gpus, err := s.gpus.ListGPUs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoGpusVisible, err)
	}
	if len(gpus) == 0 {
		return nil, nil, ErrNoGpusVisible
	}

	src := s.registry.AllocatedMemoryPerGPU()
	allocated := make(map[int]uint64, len(src))
	for k, v := range src {
		allocated[k] = v
	}
	return gpus, allocated, nil
}

// renderInventory computes free = total - allocated (spec.md §4.5.1 step 1,
// invariant I2; see DESIGN.md for why total rather than the probe's own
// free reading is used).
func renderInventory(gpus []types.GpuInfo, allocated map[int]uint64) []types.GpuInfo {
	out := make([]types.GpuInfo, len(gpus))
	for i, g := range gpus {
		free := g.MemoryTotalMB
		if held := allocated[g.DeviceID]; held < free {
			free -= held
		} else {
			free = 0
		}
		g.MemoryFreeMB = free
		out[i] = g
	}
	return out
}

func applyAllocation(allocated map[int]uint64, alloc types.ResourceAllocation) map[int]uint64 {
	out := make(map[int]uint64, len(allocated))
	for k, v := range allocated {
		out[k] = v
	}
	perDevice := alloc.MemoryAllocatedMB
	if n := len(alloc.GPUDevices); n > 1 {
		perDevice /= uint64(n)
	}
	for _, d := range alloc.GPUDevices {
		out[d] += perDevice
	}
	return out
}

func releaseAllocation(allocated map[int]uint64, alloc *types.ResourceAllocation) {
	if alloc == nil {
		return
	}
	perDevice := alloc.MemoryAllocatedMB
	if n := len(alloc.GPUDevices); n > 1 {
		perDevice /= uint64(n)
	}
	for _, d := range alloc.GPUDevices {
		if allocated[d] < perDevice {
			allocated[d] = 0
		} else {
			allocated[d] -= perDevice
		}
	}
}

// decidePreemption is reached when direct placement fails. It selects
// victims among lower-priority RUNNING models and simulates preempting
// them, one at a time, until the request fits or eligible victims run out
// (spec.md §4.5.1 steps 4-6). Called with s.mu already held.
func (s *Scheduler) decidePreemption(
	modelID types.ModelID,
	cfg types.ModelConfig,
	req types.ResourceRequirement,
	gpus []types.GpuInfo,
	allocated map[int]uint64,
	before []types.GpuInfo,
	lastPlan resource.PlanResult,
) (placement, error) {
	candidates := s.preemptionCandidates(modelID, cfg, req)
	if len(candidates) == 0 {
		return placement{
			ok: false, outcome: types.OutcomeInsufficientResources,
			reason: joinErrors(lastPlan.Errors), before: before,
			returnErr: ErrInsufficientMemory,
		}, nil
	}

	maxPerHour := s.policy.MaxPreemptionsPerHour
	if maxPerHour <= 0 {
		maxPerHour = 10
	}
	if s.budget.Count(time.Now()) >= maxPerHour {
		return placement{
			ok: false, outcome: types.OutcomePreemptionRateLimited,
			reason: "preemption budget exhausted", before: before,
			returnErr: ErrPreemptionRateLimited,
		}, nil
	}

	var victims []types.ModelID
	for _, candidate := range candidates {
		if !s.budget.Allow(time.Now()) {
			break
		}
		if candidate.Allocation == nil {
			continue
		}
		releaseAllocation(allocated, candidate.Allocation)
		victims = append(victims, candidate.Config.ID)

		lastPlan = s.calc.Plan(req, renderInventory(gpus, allocated))
		if lastPlan.OK {
			break
		}
	}

	if !lastPlan.OK {
		return placement{
			ok: false, outcome: types.OutcomeInsufficientResources,
			reason: joinErrors(lastPlan.Errors), before: before,
			after: renderInventory(gpus, allocated), victims: victims,
			returnErr: ErrInsufficientMemory,
		}, nil
	}

	return placement{
		cfg: cfg, alloc: lastPlan.Allocation, ok: true,
		outcome: types.OutcomeSuccess, reason: "placed after preemption",
		before: before, after: renderInventory(gpus, applyAllocation(allocated, *lastPlan.Allocation)),
		victims: victims,
	}, nil
}

// allocateAndLaunch instructs C4 to transition the model to STARTING with
// the given allocation, drives the adapter's Start, and reports the result
// back to C4 to complete the transition (spec.md §4.5.1 step 3). Runs
// without the global scheduler lock held.
func (s *Scheduler) allocateAndLaunch(ctx context.Context, modelID types.ModelID, cfg types.ModelConfig, alloc types.ResourceAllocation) error {
	alloc.AllocatedAt = time.Now()
	if _, err := s.registry.BeginStarting(modelID, alloc); err != nil {
		return err
	}

	adapter, err := s.adapters.For(cfg.Framework)
	if err != nil {
		_ = s.registry.CompleteStart(modelID, lifecycle.AdapterStartResult{OK: false, Err: err})
		return err
	}

	result := adapter.Start(ctx, cfg)
	return s.registry.CompleteStart(modelID, result)
}

// preemptionCandidates returns RUNNING models with priority low enough to
// evict for modelID, sorted so the lowest-priority, most-recently-scheduled
// model is evicted first: low priority models are the intended targets,
// and among equal-priority models preferring the newest arrival removes
// any incentive to keep restarting a model in the hope of outliving an
// established one (spec.md §4.5.1 step 4; tie-break is an Open Question
// decision, see DESIGN.md). Called with s.mu already held.
func (s *Scheduler) preemptionCandidates(requesterID types.ModelID, requester types.ModelConfig, req types.ResourceRequirement) []types.ModelRuntime {
	minGap := s.policy.MinPriorityGap
	if minGap <= 0 {
		minGap = 1
	}

	allowedDevices := deviceSet(req.GPUDevices)

	var candidates []types.ModelRuntime
	for _, rt := range s.registry.List() {
		if rt.Config.ID == requesterID {
			continue
		}
		if rt.LifecycleState != types.StateRunning {
			continue
		}
		if requester.Priority-rt.Config.Priority < minGap {
			continue
		}
		if len(allowedDevices) > 0 && rt.Allocation != nil && !overlaps(allowedDevices, rt.Allocation.GPUDevices) {
			continue
		}
		candidates = append(candidates, rt)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Config.Priority != candidates[j].Config.Priority {
			return candidates[i].Config.Priority < candidates[j].Config.Priority
		}
		ti, tj := candidates[i].LastScheduledAt, candidates[j].LastScheduledAt
		if ti == nil || tj == nil {
			return tj == nil && ti != nil
		}
		return ti.After(*tj)
	})
	return candidates
}

func deviceSet(devices []int) map[int]struct{} {
	if len(devices) == 0 {
		return nil
	}
	m := make(map[int]struct{}, len(devices))
	for _, d := range devices {
		m[d] = struct{}{}
	}
	return m
}

func overlaps(allowed map[int]struct{}, devices []int) bool {
	for _, d := range devices {
		if _, ok := allowed[d]; ok {
			return true
		}
	}
	return false
}

func joinErrors(errs []string) string {
	if len(errs) == 0 {
		return "insufficient resources"
	}
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
	}
	return out
}

func (s *Scheduler) recordDecision(
	modelID types.ModelID,
	outcome types.ScheduleOutcome,
	alloc *types.ResourceAllocation,
	preempted []types.ModelID,
	reason string,
	before, after []types.GpuInfo,
) {
	s.decisions.Append(&types.ScheduleDecision{
		ModelID:           modelID,
		DecidedAt:         time.Now(),
		Outcome:           outcome,
		Allocation:        alloc,
		PreemptedModelIDs: preempted,
		Reason:            reason,
		GpuSnapshotBefore: before,
		GpuSnapshotAfter:  after,
	})
}
