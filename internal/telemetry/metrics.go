package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gradeq_jobs_processed_total",
		Help: "Jobs processed, by course and final status",
	}, []string{"course", "status"})
	StepFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gradeq_step_failures_total",
		Help: "Job pipeline step failures, by course and error kind",
	}, []string{"course", "kind"})
	RecoveredJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gradeq_recovered_jobs_total",
		Help: "Jobs found in the queue at startup",
	}, []string{"course"})
	AgentDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gradeq_agent_duration_seconds",
		Help:    "Wall-clock runtime of the grading agent",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	}, []string{"course", "outcome"})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gradeq_jobs_inflight",
		Help: "Jobs currently being processed",
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsProcessed,
			StepFailures,
			RecoveredJobs,
			AgentDuration,
			InFlight,
		)
	})
}
