// Package router implements C7: the per-model target table, load-balancing
// policy selection, and a streaming failover proxy in front of managed
// engines (spec.md §4.7).
package router

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gpuctl/core/internal/config"
	"github.com/gpuctl/core/internal/lifecycle"
	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
)

// Policy selects among active targets for a model.
type Policy string

const (
	PolicyRoundRobin       Policy = "round-robin"
	PolicyWeighted         Policy = "weighted"
	PolicyLeastConnections Policy = "least-connections"
	PolicyResponseTime     Policy = "response-time"
)

var ErrNoActiveTargets = errors.New("router: no active targets for model")

// requestRecord is one bounded-history diagnostic entry per target.
type requestRecord struct {
	At         time.Time
	StatusCode int
	LatencyMS  int64
	Err        string
}

// Target is one reachable endpoint for a model. Counters are atomics so
// the hot per-request path never blocks on the table's RWMutex beyond the
// initial target-list read, mirroring the teacher's proxy stats bookkeeping
// (api/pkg/proxy/resilient.go's atomic.Int64/atomic.Bool fields).
type Target struct {
	EndpointURL string
	Priority    int
	Weight      int

	active              atomic.Bool
	inFlight            atomic.Int64
	totalRequests       atomic.Int64
	totalResponseTimeMS atomic.Int64
	errorCount          atomic.Int64
	consecutiveFailures atomic.Int64

	historyMu sync.Mutex
	history   []requestRecord
	histCap   int
}

func newTarget(endpoint string, priority, weight, histCap int, initialActive bool) *Target {
	t := &Target{EndpointURL: endpoint, Priority: priority, Weight: weight, histCap: histCap}
	t.active.Store(initialActive)
	return t
}

// Snapshot is an immutable view of a Target's counters, safe to hand out.
type Snapshot struct {
	EndpointURL         string
	Priority            int
	Weight              int
	Active              bool
	InFlight            int64
	TotalRequests       int64
	TotalResponseTimeMS int64
	ErrorCount          int64
	ConsecutiveFailures int64
}

func (t *Target) snapshot() Snapshot {
	return Snapshot{
		EndpointURL:         t.EndpointURL,
		Priority:            t.Priority,
		Weight:              t.Weight,
		Active:              t.active.Load(),
		InFlight:            t.inFlight.Load(),
		TotalRequests:       t.totalRequests.Load(),
		TotalResponseTimeMS: t.totalResponseTimeMS.Load(),
		ErrorCount:          t.errorCount.Load(),
		ConsecutiveFailures: t.consecutiveFailures.Load(),
	}
}

func (t *Target) recordOutcome(maxConsecutiveFailures int, statusCode int, latency time.Duration, transportErr error) {
	t.totalRequests.Add(1)
	t.totalResponseTimeMS.Add(latency.Milliseconds())

	failed := transportErr != nil || statusCode >= 500
	if failed {
		t.errorCount.Add(1)
		if t.consecutiveFailures.Add(1) >= int64(maxConsecutiveFailures) {
			t.active.Store(false)
		}
	} else {
		t.consecutiveFailures.Store(0)
	}

	errStr := ""
	if transportErr != nil {
		errStr = transportErr.Error()
	}
	t.appendHistory(requestRecord{At: time.Now(), StatusCode: statusCode, LatencyMS: latency.Milliseconds(), Err: errStr})
}

func (t *Target) appendHistory(rec requestRecord) {
	t.historyMu.Lock()
	defer t.historyMu.Unlock()
	t.history = append(t.history, rec)
	if len(t.history) > t.histCap {
		t.history = t.history[len(t.history)-t.histCap:]
	}
}

// targetList is the per-model collection of targets plus the round-robin
// cursor (spec.md §4.7's "per-model atomic counter").
type targetList struct {
	mu        sync.RWMutex
	targets   []*Target
	rrCounter atomic.Uint64
}

func (l *targetList) add(t *Target) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.targets {
		if existing.EndpointURL == t.EndpointURL {
			return
		}
	}
	l.targets = append(l.targets, t)
}

func (l *targetList) remove(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, t := range l.targets {
		if t.EndpointURL == endpoint {
			l.targets = append(l.targets[:i], l.targets[i+1:]...)
			return
		}
	}
}

func (l *targetList) all() []*Target {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Target(nil), l.targets...)
}

func (l *targetList) find(endpoint string) *Target {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, t := range l.targets {
		if t.EndpointURL == endpoint {
			return t
		}
	}
	return nil
}

// Router owns every model's target table (spec.md §4.7). A single
// reader-writer lock per model table suffices per spec.md §5: writes only
// happen on lifecycle/health events, reads happen per request.
type Router struct {
	mu     sync.RWMutex
	tables map[types.ModelID]*targetList

	policy                 atomic.Value // Policy
	maxConsecutiveFailures int
	historySize            int
	forwardTimeout         time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	metricsHook func(modelID types.ModelID, latencyMS int64, statusCode int)

	log zerolog.Logger
}

// SetMetricsHook wires MetricsSink.RecordRequest into every forwarded
// request (spec.md §6). Must not block; nil disables recording.
func (r *Router) SetMetricsHook(hook func(modelID types.ModelID, latencyMS int64, statusCode int)) {
	r.metricsHook = hook
}

// New constructs C7 and subscribes it to reg's lifecycle and health event
// streams, per spec.md §4.7's "updates arrive through C4's on_state_change
// events ... and from C6's health transitions".
func New(reg *lifecycle.Registry, cfg config.RouterConfig, log zerolog.Logger) *Router {
	r := &Router{
		tables:                 make(map[types.ModelID]*targetList),
		maxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		historySize:            cfg.RequestHistorySize,
		forwardTimeout:         cfg.ForwardTimeout,
		rng:                    rand.New(rand.NewSource(time.Now().UnixNano())),
		log:                    log.With().Str("component", "router").Logger(),
	}
	policy := Policy(cfg.DefaultPolicy)
	if policy == "" {
		policy = PolicyRoundRobin
	}
	r.policy.Store(policy)

	reg.OnStateChange(r.onStateChange)
	reg.OnHealthChange(r.onHealthChange)
	return r
}

// SetPolicy changes the load-balancing policy used for every model's
// subsequent selections (the core API's set_load_balance_policy, spec.md §6).
func (r *Router) SetPolicy(p Policy) { r.policy.Store(p) }

func (r *Router) currentPolicy() Policy { return r.policy.Load().(Policy) }

func (r *Router) onStateChange(ev lifecycle.StateChangeEvent) {
	if ev.To == types.StateRunning {
		weight := parseWeight(ev.Runtime.Config.Parameters)
		r.AddTarget(ev.ModelID, ev.Runtime.EndpointURL, ev.Runtime.Config.Priority, weight, ev.Runtime.Config.HealthCheck.Enabled)
		return
	}
	if ev.From == types.StateRunning {
		r.RemoveTarget(ev.ModelID, ev.Runtime.EndpointURL)
	}
}

func (r *Router) onHealthChange(ev lifecycle.HealthChangeEvent) {
	table := r.tableFor(ev.ModelID, false)
	if table == nil {
		return
	}
	t := table.find(ev.Endpoint)
	if t == nil {
		return
	}
	if ev.Healthy {
		t.consecutiveFailures.Store(0)
		t.active.Store(true)
	} else {
		t.active.Store(false)
	}
}

func parseWeight(params map[string]string) int {
	if params == nil {
		return 1
	}
	if v, ok := params["weight"]; ok {
		n := 0
		for _, c := range v {
			if c < '0' || c > '9' {
				return 1
			}
			n = n*10 + int(c-'0')
		}
		if n > 0 {
			return n
		}
	}
	return 1
}

func (r *Router) tableFor(modelID types.ModelID, create bool) *targetList {
	r.mu.RLock()
	table, ok := r.tables[modelID]
	r.mu.RUnlock()
	if ok || !create {
		return table
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if table, ok = r.tables[modelID]; ok {
		return table
	}
	table = &targetList{}
	r.tables[modelID] = table
	return table
}

// AddTarget registers a RUNNING model's endpoint. Safe to call for an
// endpoint already present (no-op).
//
// A target whose model has health checking enabled starts inactive: I6
// (§3/§8) reads as "only a HEALTHY model is routable", and RUNNING alone
// doesn't mean a probe has ever succeeded. It becomes active on the first
// healthy onHealthChange callback. A model with health checking disabled
// has no event that will ever flip it active, so it starts active
// immediately — otherwise it could never receive traffic at all.
func (r *Router) AddTarget(modelID types.ModelID, endpoint string, priority, weight int, healthCheckEnabled bool) {
	if endpoint == "" {
		return
	}
	table := r.tableFor(modelID, true)
	histCap := r.historySize
	if histCap <= 0 {
		histCap = 1000
	}
	table.add(newTarget(endpoint, priority, weight, histCap, !healthCheckEnabled))
}

// RemoveTarget drops one target. A request already dispatched to it
// proceeds to completion independently (spec.md §5's ordering guarantee).
func (r *Router) RemoveTarget(modelID types.ModelID, endpoint string) {
	table := r.tableFor(modelID, false)
	if table == nil {
		return
	}
	table.remove(endpoint)
}

// Targets returns a diagnostic snapshot of every target for modelID (the
// core API's get_targets).
func (r *Router) Targets(modelID types.ModelID) []Snapshot {
	table := r.tableFor(modelID, false)
	if table == nil {
		return nil
	}
	all := table.all()
	out := make([]Snapshot, 0, len(all))
	for _, t := range all {
		out = append(out, t.snapshot())
	}
	return out
}

// Select picks one active target for modelID per the configured policy.
// Returns ErrNoActiveTargets if none qualify.
func (r *Router) Select(modelID types.ModelID) (*Target, error) {
	table := r.tableFor(modelID, false)
	if table == nil {
		return nil, ErrNoActiveTargets
	}
	active := activeOf(table.all())
	if len(active) == 0 {
		return nil, ErrNoActiveTargets
	}

	switch r.currentPolicy() {
	case PolicyWeighted:
		return r.selectWeighted(active), nil
	case PolicyLeastConnections:
		return r.selectLeastConnections(active), nil
	case PolicyResponseTime:
		return r.selectResponseTime(active), nil
	default:
		return r.selectRoundRobin(table, active), nil
	}
}

func activeOf(targets []*Target) []*Target {
	out := make([]*Target, 0, len(targets))
	for _, t := range targets {
		if t.active.Load() {
			out = append(out, t)
		}
	}
	return out
}

func (r *Router) selectRoundRobin(table *targetList, active []*Target) *Target {
	idx := table.rrCounter.Add(1) - 1
	return active[int(idx%uint64(len(active)))]
}

func (r *Router) selectWeighted(active []*Target) *Target {
	total := 0
	for _, t := range active {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total == 0 {
		return active[0]
	}
	pick := r.randIntn(total)
	for _, t := range active {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		if pick < w {
			return t
		}
		pick -= w
	}
	return active[len(active)-1]
}

func (r *Router) selectLeastConnections(active []*Target) *Target {
	best := []*Target{active[0]}
	min := active[0].inFlight.Load()
	for _, t := range active[1:] {
		n := t.inFlight.Load()
		if n < min {
			min = n
			best = []*Target{t}
		} else if n == min {
			best = append(best, t)
		}
	}
	return r.tieBreak(best)
}

func (r *Router) selectResponseTime(active []*Target) *Target {
	best := []*Target{active[0]}
	bestAvg := avgResponseTime(active[0])
	for _, t := range active[1:] {
		avg := avgResponseTime(t)
		if avg < bestAvg {
			bestAvg = avg
			best = []*Target{t}
		} else if avg == bestAvg {
			best = append(best, t)
		}
	}
	return r.tieBreak(best)
}

func avgResponseTime(t *Target) float64 {
	total := t.totalRequests.Load()
	if total <= 0 {
		total = 1
	}
	return float64(t.totalResponseTimeMS.Load()) / float64(total)
}

func (r *Router) tieBreak(candidates []*Target) *Target {
	if len(candidates) == 1 {
		return candidates[0]
	}
	return candidates[r.randIntn(len(candidates))]
}

func (r *Router) randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Intn(n)
}

// beginRequest marks a target in-flight; callers must pair with
// finishRequest exactly once.
func (t *Target) beginRequest() { t.inFlight.Add(1) }

func (t *Target) finishRequest(maxConsecutiveFailures int, statusCode int, latency time.Duration, transportErr error) {
	t.inFlight.Add(-1)
	t.recordOutcome(maxConsecutiveFailures, statusCode, latency, transportErr)
}

// ctxWithForwardTimeout bounds one outbound forwarding attempt, per
// spec.md §5's "every outbound HTTP call carries an explicit deadline".
func (r *Router) ctxWithForwardTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.forwardTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
