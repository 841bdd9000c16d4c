package scheduler

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gpuctl/core/internal/types"
)

// DecisionLog is a circular buffer of ScheduleDecisions, grounded on the
// teacher's SchedulingDecisionsTracker (api/pkg/scheduler/decisions.go).
type DecisionLog struct {
	mu        sync.RWMutex
	decisions []*types.ScheduleDecision
	index     int
	count     int

	onAppend func(*types.ScheduleDecision)
}

// OnAppend registers a callback fired after every Append, outside the
// log's lock (e.g. MetricsSink.RecordScheduleDecision). Must not block.
func (l *DecisionLog) OnAppend(cb func(*types.ScheduleDecision)) {
	l.mu.Lock()
	l.onAppend = cb
	l.mu.Unlock()
}

// NewDecisionLog constructs a log retaining at most size entries.
func NewDecisionLog(size int) *DecisionLog {
	if size <= 0 {
		size = 1000
	}
	return &DecisionLog{decisions: make([]*types.ScheduleDecision, size)}
}

// Append records a new decision, generating an ID if absent.
func (l *DecisionLog) Append(d *types.ScheduleDecision) {
	l.mu.Lock()

	if d.DecisionID == "" {
		d.DecisionID = uuid.New().String()
	}

	size := len(l.decisions)
	l.decisions[l.index] = d
	l.index = (l.index + 1) % size
	if l.count < size {
		l.count++
	}
	cb := l.onAppend
	l.mu.Unlock()

	if cb != nil {
		cb(d)
	}
}

// Recent returns up to limit decisions, most recent first. limit<=0 means
// "all retained".
func (l *DecisionLog) Recent(limit int) []*types.ScheduleDecision {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.count == 0 {
		return nil
	}
	if limit <= 0 || limit > l.count {
		limit = l.count
	}

	out := make([]*types.ScheduleDecision, 0, limit)
	size := len(l.decisions)
	for i := 0; i < limit; i++ {
		idx := (l.index - 1 - i + size) % size
		out = append(out, l.decisions[idx])
	}
	return out
}

// Last returns the most recent n decisions in chronological order, the
// order persistence writes them in (spec.md §4.5.3).
func (l *DecisionLog) Last(n int) []*types.ScheduleDecision {
	recent := l.Recent(n)
	// Recent() is newest-first; persistence wants chronological order.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent
}
