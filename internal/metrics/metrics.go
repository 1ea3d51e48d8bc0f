// Package metrics holds the Prometheus collectors for pipeline runs and
// stage health.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec   // labels: status
	RunsSkipped   *prometheus.CounterVec   // labels: trigger
	RunDuration   prometheus.Histogram
	StageDuration *prometheus.HistogramVec // labels: stage
	StageErrors   *prometheus.CounterVec   // labels: stage
	StageReady    *prometheus.GaugeVec     // labels: role, implementation

	gatherer prometheus.Gatherer
}

// NewMetrics registers and returns all metrics on reg. A nil reg uses a
// fresh private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_runs_total",
			Help: "Pipeline runs by terminal status",
		}, []string{"status"}),
		RunsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_runs_skipped_total",
			Help: "Triggers dropped because a run was in flight",
		}, []string{"trigger"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pilot_run_duration_seconds",
			Help:    "Wall time of a pipeline run",
			Buckets: prometheus.DefBuckets,
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pilot_stage_duration_seconds",
			Help:    "Latency of each pipeline stage",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"stage"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_stage_errors_total",
			Help: "Infrastructure errors by stage",
		}, []string{"stage"}),
		StageReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pilot_stage_ready",
			Help: "1 when the stage is initialized and ready",
		}, []string{"role", "implementation"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunsSkipped,
		m.RunDuration,
		m.StageDuration,
		m.StageErrors,
		m.StageReady,
	)
	return m
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, took time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(took.Seconds())
}

// ObserveStage records one stage; failed marks an infrastructure error.
func (m *Metrics) ObserveStage(stage string, took time.Duration, failed bool) {
	m.StageDuration.WithLabelValues(stage).Observe(took.Seconds())
	if failed {
		m.StageErrors.WithLabelValues(stage).Inc()
	}
}

// RunSkipped counts a dropped trigger.
func (m *Metrics) RunSkipped(trigger string) {
	m.RunsSkipped.WithLabelValues(trigger).Inc()
}

// SetStageReady publishes the readiness of one role.
func (m *Metrics) SetStageReady(role, implementation string, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	m.StageReady.WithLabelValues(role, implementation).Set(v)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}
