// Package main is the composition root: it constructs every C1-C7
// component and wires them together, per spec.md §9's "promote [singleton
// services] to a CoreServices composition root constructed once at
// startup and passed by reference; no globals inside the core." No
// business logic lives here.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gpuctl/core/internal/adapter"
	"github.com/gpuctl/core/internal/config"
	"github.com/gpuctl/core/internal/gpuprobe"
	"github.com/gpuctl/core/internal/health"
	"github.com/gpuctl/core/internal/lifecycle"
	"github.com/gpuctl/core/internal/metrics"
	"github.com/gpuctl/core/internal/resource"
	"github.com/gpuctl/core/internal/router"
	"github.com/gpuctl/core/internal/scheduler"
	"github.com/gpuctl/core/internal/store"
	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
)

// adapterShim converts an adapter.EngineAdapter (C3's own StartResult
// type) to the narrower lifecycle.Adapter contract (lifecycle.
// AdapterStartResult), so C3 never has to import C4.
type adapterShim struct {
	engine adapter.EngineAdapter
}

func (a adapterShim) Start(ctx context.Context, cfg types.ModelConfig) lifecycle.AdapterStartResult {
	res := a.engine.Start(ctx, cfg)
	return lifecycle.AdapterStartResult{OK: res.OK, EndpointURL: res.EndpointURL, Err: res.Err}
}

func (a adapterShim) Stop(ctx context.Context, modelID types.ModelID) error {
	return a.engine.Stop(ctx, modelID)
}

func (a adapterShim) Probe(ctx context.Context, modelID types.ModelID) bool {
	return a.engine.Probe(ctx, modelID)
}

// frameworkResolver dispatches by types.Framework to the process or
// container adapter, implementing lifecycle.AdapterResolver.
type frameworkResolver struct {
	process   adapterShim
	container adapterShim
}

func (r frameworkResolver) For(f types.Framework) (lifecycle.Adapter, error) {
	switch f {
	case types.FrameworkProcess:
		return r.process, nil
	case types.FrameworkContainer:
		return r.container, nil
	default:
		return nil, fmt.Errorf("adapter: unknown framework %q", f)
	}
}

// CoreServices holds every wired component. Constructed once in main,
// passed by reference to anything that needs it — no package-level
// singletons.
type CoreServices struct {
	Config   config.CoreConfig
	Log      zerolog.Logger
	GPUProbe gpuprobe.Probe
	Calc     *resource.Calculator
	Registry *lifecycle.Registry
	Resolver frameworkResolver
	Sched    *scheduler.Scheduler
	Recovery *scheduler.RecoveryLoop
	Health   *health.LoopSet
	Router   *router.Router
	Store    store.ConfigStore
	Metrics  metrics.Sink

	recoveryCancel context.CancelFunc
	recoveryDone   chan struct{}
	storeUnsub     func()
}

// NewCoreServices builds and wires C1-C7. Nothing is started yet —
// callers invoke LoadFromStore to restore persisted state and Start to
// launch background loops.
func NewCoreServices(cfg config.CoreConfig, log zerolog.Logger) (*CoreServices, error) {
	gpuSource, err := gpuprobe.NewNVMLSource()
	var probe gpuprobe.Probe
	if err != nil {
		log.Warn().Err(err).Msg("nvml unavailable, falling back to an empty GPU inventory")
		probe = gpuprobe.NewCachingProbe(gpuprobe.NewFakeSource(), cfg.GpuProbe.CacheTTL, log)
	} else {
		probe = gpuprobe.NewCachingProbe(gpuSource, cfg.GpuProbe.CacheTTL, log)
	}

	processEngine := adapter.NewProcessEngine(log)
	containerEngine, err := adapter.NewContainerEngine("", log)
	if err != nil {
		return nil, fmt.Errorf("core: container engine init: %w", err)
	}
	resolver := frameworkResolver{
		process:   adapterShim{engine: processEngine},
		container: adapterShim{engine: containerEngine},
	}

	registry := lifecycle.NewRegistry(resolver, log)
	calc := resource.NewCalculator()
	sched := scheduler.New(cfg.Scheduler, probe, calc, registry, resolver, log)
	registry.SetScheduler(sched)

	recovery := scheduler.NewRecoveryLoop(sched, registry, resolver)
	healthSet := health.NewLoopSet(registry, cfg.Health, log)
	requestRouter := router.New(registry, cfg.Router, log)
	promSink, _ := metrics.NewPrometheus()

	requestRouter.SetMetricsHook(func(modelID types.ModelID, latencyMS int64, statusCode int) {
		promSink.RecordRequest(modelID, latencyMS, statusCode)
	})
	sched.Decisions().OnAppend(func(d *types.ScheduleDecision) {
		promSink.RecordScheduleDecision(*d)
	})
	registry.OnStateChange(func(ev lifecycle.StateChangeEvent) {
		promSink.RecordLifecycleEvent(ev.ModelID, ev.From, ev.To)
	})

	services := &CoreServices{
		Config:   cfg,
		Log:      log,
		GPUProbe: probe,
		Calc:     calc,
		Registry: registry,
		Resolver: resolver,
		Sched:    sched,
		Recovery: recovery,
		Health:   healthSet,
		Router:   requestRouter,
		Store:    store.NewInMemory(),
		Metrics:  promSink,
	}
	services.storeUnsub = services.Store.Subscribe(services.onConfigChanged)
	return services, nil
}

// onConfigChanged is the ConfigStore hot-reload hook (spec.md §6's
// `subscribe(callback)`): a config the registry has never seen is
// registered; one it already knows about is applied via Update, which
// itself decides whether a restart is required.
func (c *CoreServices) onConfigChanged(cfg types.ModelConfig) {
	if _, err := c.Registry.Status(cfg.ID); err != nil {
		if regErr := c.Registry.Register(cfg); regErr != nil {
			c.Log.Warn().Err(regErr).Str("model_id", string(cfg.ID)).Msg("hot-reload register failed")
		}
		return
	}
	if err := c.Registry.Update(context.Background(), cfg.ID, cfg); err != nil {
		c.Log.Warn().Err(err).Str("model_id", string(cfg.ID)).Msg("hot-reload update failed")
	}
}

// LoadFromStore replays every persisted ModelConfig into the registry and
// restores scheduler state (recovery queue, recent decisions). Models are
// registered but not started — the caller (or an operator action) decides
// which to bring up, consistent with ModelRuntime never itself being
// persisted (spec.md §9, "state persistence").
func (c *CoreServices) LoadFromStore() error {
	if err := c.Sched.LoadState(c.Config.Scheduler.StateFilePath); err != nil {
		return fmt.Errorf("core: load scheduler state: %w", err)
	}

	configs, err := c.Store.LoadAll()
	if err != nil {
		return fmt.Errorf("core: load configs: %w", err)
	}
	for _, cfg := range configs {
		if regErr := c.Registry.Register(cfg); regErr != nil {
			c.Log.Warn().Err(regErr).Str("model_id", string(cfg.ID)).Msg("skipping config already registered")
		}
	}
	return nil
}

// Start launches the recovery loop. Health loops are launched
// automatically per model by LoopSet's own state-change subscription.
func (c *CoreServices) Start(ctx context.Context) {
	recoveryCtx, cancel := context.WithCancel(ctx)
	c.recoveryCancel = cancel
	c.recoveryDone = make(chan struct{})

	go func() {
		defer close(c.recoveryDone)
		c.Recovery.Run(recoveryCtx)
	}()
}

// Shutdown implements spec.md §5's shutdown sequence: cancel the recovery
// loop, cancel all health loops, concurrently stop all running models
// with a per-model timeout, then persist scheduler state.
func (c *CoreServices) Shutdown(ctx context.Context) error {
	if c.storeUnsub != nil {
		c.storeUnsub()
	}
	if c.recoveryCancel != nil {
		c.recoveryCancel()
		<-c.recoveryDone
	}
	c.Health.StopAll()

	const perModelStopTimeout = 15 * time.Second
	running := c.Registry.List()

	type stopResult struct {
		modelID types.ModelID
		err     error
	}
	results := make(chan stopResult, len(running))

	for _, rt := range running {
		if rt.LifecycleState == types.StateStopped {
			results <- stopResult{modelID: rt.Config.ID}
			continue
		}
		go func(modelID types.ModelID) {
			stopCtx, cancel := context.WithTimeout(ctx, perModelStopTimeout)
			defer cancel()
			results <- stopResult{modelID: modelID, err: c.Registry.Stop(stopCtx, modelID)}
		}(rt.Config.ID)
	}

	var firstErr error
	for range running {
		res := <-results
		if res.err != nil {
			c.Log.Warn().Err(res.err).Str("model_id", string(res.modelID)).Msg("stop during shutdown reported an error")
			if firstErr == nil {
				firstErr = res.err
			}
		}
	}

	if err := c.Sched.SaveState(c.Config.Scheduler.StateFilePath, c.Config.Scheduler.PersistedDecisionsLimit); err != nil {
		c.Log.Error().Err(err).Msg("failed to persist scheduler state on shutdown")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
