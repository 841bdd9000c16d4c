package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gpuctl/core/internal/lifecycle"
	"github.com/gpuctl/core/internal/types"
)

// recoveryState tracks one model's outstanding recovery bookkeeping:
// attempts made so far and when the next one is allowed, per the
// exponential backoff schedule of spec.md §4.5.2.
type recoveryState struct {
	reason      string
	attempts    int
	lastAttempt time.Time
	nextEligible time.Time
}

// recoveryTracker is C5's queue of models awaiting a retry, grounded on
// the teacher's WorkQueue bookkeeping in api/pkg/scheduler/queue.go.
type recoveryTracker struct {
	mu      sync.Mutex
	pending map[types.ModelID]*recoveryState
	history []types.RecoveryAttempt
	histCap int
}

func newRecoveryTracker() *recoveryTracker {
	return &recoveryTracker{pending: make(map[types.ModelID]*recoveryState), histCap: 500}
}

// enqueue records that modelID needs a recovery attempt. Re-enqueuing a
// model already pending resets neither its attempt count nor its backoff
// clock — a model preempted twice before its first retry fires does not
// get an easier ride.
func (t *recoveryTracker) enqueue(modelID types.ModelID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[modelID]; ok {
		return
	}
	t.pending[modelID] = &recoveryState{reason: reason, nextEligible: time.Now()}
}

func (t *recoveryTracker) remove(modelID types.ModelID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, modelID)
}

// due returns the models eligible for a recovery attempt right now,
// respecting each model's individual backoff clock.
func (t *recoveryTracker) due(now time.Time, maxAttempts int) []types.ModelID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []types.ModelID
	for id, st := range t.pending {
		if maxAttempts > 0 && st.attempts >= maxAttempts {
			continue
		}
		if now.Before(st.nextEligible) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (t *recoveryTracker) recordAttempt(modelID types.ModelID, policy backoffPolicy, success bool, attemptErr error) types.RecoveryAttempt {
	t.mu.Lock()
	st, ok := t.pending[modelID]
	if !ok {
		st = &recoveryState{}
		t.pending[modelID] = st
	}
	st.attempts++
	st.lastAttempt = time.Now()
	st.nextEligible = st.lastAttempt.Add(policy.delay(st.attempts))
	reason := st.reason
	t.mu.Unlock()

	attempt := types.RecoveryAttempt{
		AttemptID:   uuid.New().String(),
		ModelID:     modelID,
		AttemptedAt: time.Now(),
		Reason:      reason,
		Success:     success,
	}
	if attemptErr != nil {
		attempt.Error = attemptErr.Error()
	}

	t.mu.Lock()
	t.history = append(t.history, attempt)
	if len(t.history) > t.histCap {
		t.history = t.history[len(t.history)-t.histCap:]
	}
	if success {
		delete(t.pending, modelID)
	}
	t.mu.Unlock()

	return attempt
}

func (t *recoveryTracker) recentHistory(n int) []types.RecoveryAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.history) {
		n = len(t.history)
	}
	out := make([]types.RecoveryAttempt, n)
	copy(out, t.history[len(t.history)-n:])
	return out
}

// backoffPolicy computes the delay after the attempt-th attempt (1-based) as
// min_recovery_interval * backoff_factor^(attempt-1), capped at
// max_recovery_interval (spec.md §4.5.2).
type backoffPolicy struct {
	min, max time.Duration
	factor   float64
}

func (p backoffPolicy) delay(attempt int) time.Duration {
	if p.factor <= 0 {
		p.factor = 2
	}
	d := float64(p.min) * math.Pow(p.factor, float64(attempt-1))
	if ceiling := float64(p.max); p.max > 0 && d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}

// RecoveryLoop periodically retries models sitting in ERROR or PREEMPTED,
// and detects models whose engine process/container has disappeared out
// from under a RUNNING row (spec.md §4.5.2, §4.4's "stuck running"
// scenario). It is the structured-concurrency background owner for C5,
// grounded on the teacher's ticker-driven background loop in
// api/pkg/scheduler/cache.go's Cache.backgroundUpdate (select on ticker
// vs. ctx.Done vs. an explicit done channel).
type RecoveryLoop struct {
	s        *Scheduler
	adapters lifecycle.AdapterResolver
	registry *lifecycle.Registry
	policy   backoffPolicy
	interval time.Duration
	maxAttempts int
	failureDetectionTimeout time.Duration
}

// NewRecoveryLoop constructs the background recovery owner for s.
func NewRecoveryLoop(s *Scheduler, registry *lifecycle.Registry, adapters lifecycle.AdapterResolver) *RecoveryLoop {
	p := s.policy
	return &RecoveryLoop{
		s:        s,
		adapters: adapters,
		registry: registry,
		policy: backoffPolicy{
			min:    orDefault(p.MinRecoveryInterval, 30*time.Second),
			max:    orDefault(p.MaxRecoveryInterval, 300*time.Second),
			factor: orDefaultF(p.RecoveryBackoffFactor, 2.0),
		},
		interval:                orDefault(p.RecoveryCheckInterval, 60*time.Second),
		maxAttempts:             p.MaxRecoveryAttempts,
		failureDetectionTimeout: orDefault(p.FailureDetectionTimeout, 120*time.Second),
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func orDefaultF(f, fallback float64) float64 {
	if f <= 0 {
		return fallback
	}
	return f
}

// Run blocks until ctx is cancelled, ticking at interval. Intended to be
// started as its own goroutine from the composition root (spec.md's
// "coroutine-heavy I/O -> structured concurrency" design note: one owned
// goroutine per background loop, cancelled via ctx rather than a
// package-level stop channel).
func (l *RecoveryLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *RecoveryLoop) tick(ctx context.Context) {
	l.detectStuckRunning(ctx)

	for _, modelID := range l.s.recovery.due(time.Now(), l.maxAttempts) {
		l.attemptRecovery(ctx, modelID)
	}
}

// attemptRecovery asks C5 to place modelID again (it will read current
// GPU/allocation state fresh, same code path a manual start would take).
func (l *RecoveryLoop) attemptRecovery(ctx context.Context, modelID types.ModelID) {
	err := l.registry.Start(ctx, modelID)
	success := err == nil
	_ = l.s.recovery.recordAttempt(modelID, l.policy, success, err)

	if success {
		l.s.log.Info().Str("model_id", string(modelID)).Msg("recovery attempt succeeded")
	} else {
		l.s.log.Warn().Err(err).Str("model_id", string(modelID)).Msg("recovery attempt failed, backing off")
	}
}

// detectStuckRunning probes the adapter of every RUNNING model scheduled
// longer ago than failure_detection_timeout; such a row whose underlying
// process/container no longer passes the probe is forced to ERROR and
// queued for recovery (spec.md §4.4, invariant I1: RUNNING implies a live
// adapter handle).
func (l *RecoveryLoop) detectStuckRunning(ctx context.Context) {
	for _, rt := range l.registry.List() {
		if rt.LifecycleState != types.StateRunning {
			continue
		}
		if rt.LastScheduledAt != nil && time.Since(*rt.LastScheduledAt) < l.failureDetectionTimeout {
			continue
		}
		adapter, err := l.adapters.For(rt.Config.Framework)
		if err != nil {
			continue
		}
		if adapter.Probe(ctx, rt.Config.ID) {
			continue
		}

		l.s.log.Warn().Str("model_id", string(rt.Config.ID)).Msg("running model failed an engine probe; marking ERROR")
		_ = l.registry.MarkError(rt.Config.ID, fmt.Sprintf("engine probe failed (timeout %s)", l.failureDetectionTimeout))
		l.s.recovery.enqueue(rt.Config.ID, "stuck running")
	}
}
