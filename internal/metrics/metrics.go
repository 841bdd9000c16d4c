// Package metrics declares the MetricsSink collaborator interface (spec.md
// §6) and a Prometheus-backed default implementation, grounded on the
// counter/gauge/histogram shapes used throughout the pack's
// aleksandr-podmoskovniy-gpu-control-plane controllers.
package metrics

import (
	"time"

	"github.com/gpuctl/core/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is fire-and-forget: it must never block or fail the call that
// triggered it (spec.md §6).
type Sink interface {
	RecordRequest(modelID types.ModelID, latencyMS int64, statusCode int)
	RecordLifecycleEvent(modelID types.ModelID, from, to types.LifecycleState)
	RecordScheduleDecision(decision types.ScheduleDecision)
}

// Prometheus is the default Sink, exposing per-model request/lifecycle/
// scheduling counters and histograms on its own registry (no globals
// inside the core, per spec.md §9's composition-root design note).
type Prometheus struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	lifecycleEvents *prometheus.CounterVec
	scheduleOutcome *prometheus.CounterVec
	preemptionsVec  *prometheus.CounterVec
}

// NewPrometheus constructs a Sink and registers its collectors on a fresh
// registry (returned so the composition root can mount it under
// promhttp.HandlerFor in the excluded HTTP wrapper).
func NewPrometheus() (*Prometheus, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	p := &Prometheus{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpuctl_core",
			Name:      "requests_total",
			Help:      "Total requests forwarded by the router, grouped by model and status code.",
		}, []string{"model_id", "status_code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gpuctl_core",
			Name:      "request_duration_seconds",
			Help:      "Forwarded request latency, grouped by model.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model_id"}),
		lifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpuctl_core",
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle state transitions, grouped by model and from/to state.",
		}, []string{"model_id", "from", "to"}),
		scheduleOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpuctl_core",
			Name:      "schedule_decisions_total",
			Help:      "Scheduler decisions, grouped by model and outcome.",
		}, []string{"model_id", "outcome"}),
		preemptionsVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpuctl_core",
			Name:      "preemptions_total",
			Help:      "Models preempted, grouped by the preempting model.",
		}, []string{"preempting_model_id"}),
	}

	reg.MustRegister(p.requestsTotal, p.requestDuration, p.lifecycleEvents, p.scheduleOutcome, p.preemptionsVec)
	return p, reg
}

func (p *Prometheus) RecordRequest(modelID types.ModelID, latencyMS int64, statusCode int) {
	status := statusCodeBucket(statusCode)
	p.requestsTotal.WithLabelValues(string(modelID), status).Inc()
	p.requestDuration.WithLabelValues(string(modelID)).Observe(time.Duration(latencyMS * int64(time.Millisecond)).Seconds())
}

func (p *Prometheus) RecordLifecycleEvent(modelID types.ModelID, from, to types.LifecycleState) {
	p.lifecycleEvents.WithLabelValues(string(modelID), string(from), string(to)).Inc()
}

func (p *Prometheus) RecordScheduleDecision(decision types.ScheduleDecision) {
	p.scheduleOutcome.WithLabelValues(string(decision.ModelID), string(decision.Outcome)).Inc()
	for range decision.PreemptedModelIDs {
		p.preemptionsVec.WithLabelValues(string(decision.ModelID)).Inc()
	}
}

func statusCodeBucket(code int) string {
	switch {
	case code == 0:
		return "transport_error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Noop discards every call, for callers that don't wire Prometheus (e.g.
// unit tests exercising components that take a Sink).
type Noop struct{}

func (Noop) RecordRequest(types.ModelID, int64, int)                    {}
func (Noop) RecordLifecycleEvent(types.ModelID, types.LifecycleState, types.LifecycleState) {}
func (Noop) RecordScheduleDecision(types.ScheduleDecision)               {}
