package health

import (
	"context"
	"sync"

	"github.com/gpuctl/core/internal/config"
	"github.com/gpuctl/core/internal/lifecycle"
	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
)

// LoopSet owns every model's health Loop, keyed by model_id, and wires
// itself to C4's state-change stream so a loop's lifetime tracks its
// model's RUNNING window exactly: start on the transition into RUNNING,
// stop on any transition out of it (spec.md §4.6's structured-concurrency
// design note).
type LoopSet struct {
	defaults config.HealthConfig
	registry registry
	log      zerolog.Logger

	mu    sync.Mutex
	loops map[types.ModelID]*runningLoop
}

type runningLoop struct {
	loop   *Loop
	cancel context.CancelFunc
}

// NewLoopSet constructs the set and subscribes it to reg's state changes.
// reg must be the same *lifecycle.Registry passed to the rest of the core;
// it is accepted as the *lifecycle.Registry concrete type here (rather than
// the package-private registry interface) because OnStateChange is not
// part of that narrower interface.
func NewLoopSet(reg *lifecycle.Registry, defaults config.HealthConfig, log zerolog.Logger) *LoopSet {
	s := &LoopSet{
		defaults: defaults,
		registry: reg,
		log:      log.With().Str("component", "health_set").Logger(),
		loops:    make(map[types.ModelID]*runningLoop),
	}
	reg.OnStateChange(s.onStateChange)
	return s
}

func (s *LoopSet) onStateChange(ev lifecycle.StateChangeEvent) {
	if ev.To == types.StateRunning {
		s.Start(ev.ModelID, ev.Runtime.EndpointURL, ev.Runtime.Config.HealthCheck, ev.Runtime.Config.RetryPolicy)
		return
	}
	if ev.From == types.StateRunning {
		s.Stop(ev.ModelID)
	}
}

// Start launches a health Loop for modelID, replacing any loop already
// running for it. A model whose health_check is disabled gets no Loop.
func (s *LoopSet) Start(modelID types.ModelID, endpoint string, check types.HealthCheckConfig, retryPolicy types.RetryPolicy) {
	if !check.Enabled {
		return
	}
	resolved := resolveCheckConfig(check, s.defaults)
	loop := newLoop(modelID, endpoint, resolved, retryPolicy, s.defaults.LatencyHistorySize, s.registry, s.log)

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if existing, ok := s.loops[modelID]; ok {
		delete(s.loops, modelID)
		s.mu.Unlock()
		existing.cancel()
		<-existing.loop.done
		s.mu.Lock()
	}
	s.loops[modelID] = &runningLoop{loop: loop, cancel: cancel}
	s.mu.Unlock()

	go loop.run(ctx)
}

// Stop cancels modelID's loop, if any, and returns without waiting for it
// to exit. Safe to call for a model with no active loop (e.g.
// health_check.enabled was false).
//
// This is the registry's OnStateChange listener (onStateChange calls it
// directly), so it runs on whatever goroutine triggered the transition —
// which can be the loop's own goroutine, mid-probe, calling
// Registry.Restart on itself (spec.md §4.6's restart-on-failure). Joining
// loop.done here would have that goroutine wait on its own exit. Start
// tolerates the brief overlap: it always installs a fresh Loop under a
// fresh context, and the outgoing one observes its canceled ctx and exits
// on its own next iteration.
func (s *LoopSet) Stop(modelID types.ModelID) {
	s.mu.Lock()
	rl, ok := s.loops[modelID]
	if ok {
		delete(s.loops, modelID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	rl.cancel()
}

// StopAll cancels every active loop, for system shutdown.
func (s *LoopSet) StopAll() {
	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[types.ModelID]*runningLoop)
	s.mu.Unlock()

	for _, rl := range loops {
		rl.cancel()
	}
	for _, rl := range loops {
		<-rl.loop.done
	}
}
