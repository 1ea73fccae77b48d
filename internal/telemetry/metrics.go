package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provisioning_jobs_submitted_total", Help: "Jobs accepted by the API"}, []string{"kind"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "provisioning_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provisioning_jobs_finished_total", Help: "Jobs that reached a terminal status"}, []string{"status"})

	StepRuns         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provisioning_step_runs_total", Help: "Pipeline step executions by result"}, []string{"step", "result"})
	StepDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "provisioning_step_duration_seconds", Help: "Wall time of one step execution", Buckets: prometheus.ExponentialBuckets(0.05, 4, 8)}, []string{"step"})
	StepDeadLetter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provisioning_step_dead_letter_total", Help: "Steps moved to the DLQ"}, []string{"step"})
	LeasesReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "provisioning_leases_reclaimed_total", Help: "Expired leases put back on the ready queues"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "provisioning_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "provisioning_steps_inflight", Help: "Steps currently executing"})
	ReadinessProbes  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provisioning_readiness_probes_total", Help: "Readiness probes by result"}, []string{"result"})
	ReadinessResults = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provisioning_readiness_outcomes_total", Help: "Terminal readiness states"}, []string{"state"})
	ImageOutcomes    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provisioning_image_outcomes_total", Help: "Image cache transitions by status"}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			RateLimitRejects,
			JobsFinished,
			StepRuns,
			StepDuration,
			StepDeadLetter,
			LeasesReclaimed,
			QueueDepthGauge,
			InFlightGauge,
			ReadinessProbes,
			ReadinessResults,
			ImageOutcomes,
		)
	})
	return promhttp.Handler()
}
