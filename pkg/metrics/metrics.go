// Package metrics provides Prometheus instrumentation for the orchestrator
// and a query service for aggregating recorded series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the orchestrator records.
type Metrics struct {
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	TokensTotal         *prometheus.CounterVec
	CostsTotal          *prometheus.CounterVec
	ToolCallsTotal      *prometheus.CounterVec
	AdmissionRejections *prometheus.CounterVec
	ActiveWorkers       prometheus.Gauge
	ActiveContainers    prometheus.Gauge
}

// New registers all instruments against the given registerer. Tests pass a
// fresh prometheus.NewRegistry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_executions_total",
				Help: "Total executions by terminal state and model",
			},
			[]string{"state", "model"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_execution_duration_seconds",
				Help:    "Wall-clock duration of executions",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"state"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tokens_total",
				Help: "Total tokens used by execution, model, and direction",
			},
			[]string{"execution_id", "model", "type"},
		),
		CostsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_costs_total",
				Help: "Total cost in USD by execution and model",
			},
			[]string{"execution_id", "model"},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_calls_total",
				Help: "Total tool calls executed by tool name",
			},
			[]string{"tool"},
		),
		AdmissionRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_admission_rejections_total",
				Help: "Admissions denied by exhausted scope",
			},
			[]string{"scope"},
		),
		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_active_workers",
				Help: "Workers currently executing a task",
			},
		),
		ActiveContainers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_active_containers",
				Help: "Containers currently tracked",
			},
		),
	}
}
