// Package metrics provides Prometheus collectors for routing, provider calls,
// the task lifecycle and workflows.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentmesh"

// ─── Routing ────────────────────────────────────────────────────────────────

// RoutingDecisions counts model selections by strategy and chosen model.
var RoutingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "routing_decisions_total",
	Help:      "Total model selections.",
}, []string{"strategy", "model"})

// ─── Providers ──────────────────────────────────────────────────────────────

// ProviderCalls counts backend calls by provider and outcome.
var ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "provider_calls_total",
	Help:      "Total backend call attempts.",
}, []string{"provider", "operation", "outcome"})

// ProviderLatency tracks successful call duration in seconds.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "provider_latency_seconds",
	Help:      "Successful backend call duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"provider"})

// ProviderFallbacks counts fallbacks from a failed primary.
var ProviderFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "provider_fallbacks_total",
	Help:      "Total fallbacks to an alternate backend.",
}, []string{"from", "to"})

// ProviderHealthy is 1 when a backend is considered healthy.
var ProviderHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "provider_healthy",
	Help:      "Backend health (1 = healthy).",
}, []string{"provider"})

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TaskTransitions counts task state changes by target status.
var TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "task_transitions_total",
	Help:      "Total task state transitions.",
}, []string{"type", "status"})

// TasksReassigned counts handoffs performed by rebalancing.
var TasksReassigned = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_reassigned_total",
	Help:      "Total tasks moved by workload rebalancing.",
})

// ─── Workflows ──────────────────────────────────────────────────────────────

// WorkflowsFinished counts workflows by final status.
var WorkflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "workflows_finished_total",
	Help:      "Total finished workflows.",
}, []string{"status"})

// WorkflowDuration tracks end-to-end workflow time in seconds.
var WorkflowDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "workflow_duration_seconds",
	Help:      "Workflow execution time in seconds.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
})

// HealthValue converts a health flag to a gauge value.
func HealthValue(healthy bool) float64 {
	if healthy {
		return 1
	}
	return 0
}
