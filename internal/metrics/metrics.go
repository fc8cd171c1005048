// Package metrics carries the process-wide Prometheus instrumentation:
// job outcomes, pipeline stage timings, queue depth and external tool
// runs. Collectors are registered on the default registry and exposed
// through the /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by the stage and tool collectors.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelforge_jobs_total",
		Help: "Terminal job outcomes by status",
	}, []string{"status"}) // status=completed|failed|cancelled

	jobRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelforge_job_retries_total",
		Help: "Deliveries returned to the queue for another attempt",
	})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reelforge_jobs_in_flight",
		Help: "Jobs currently held by workers in this process",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelforge_stage_duration_seconds",
		Help:    "Wall-clock pipeline stage duration by stage and outcome",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160, 320},
	}, []string{"stage", "outcome"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reelforge_queue_depth",
		Help: "Deliveries ready or delayed in the work queue (last sample)",
	})

	toolRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelforge_tool_runs_total",
		Help: "External tool invocations by binary and outcome",
	}, []string{"tool", "outcome"})

	toolRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelforge_tool_run_duration_seconds",
		Help:    "External tool wall-clock run time by binary",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
	}, []string{"tool"})

	reapedJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelforge_reaped_jobs_total",
		Help: "Jobs deleted by the retention reaper by horizon",
	}, []string{"horizon"}) // horizon=terminal|abandoned

	staleRequeuesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelforge_stale_requeues_total",
		Help: "Stale processing jobs pushed back onto the queue",
	})
)

// IncJobOutcome counts a job reaching a terminal status.
func IncJobOutcome(status string) { jobsTotal.WithLabelValues(status).Inc() }

// IncJobRetry counts a delivery nacked back for another attempt.
func IncJobRetry() { jobRetriesTotal.Inc() }

// IncJobsInFlight marks a worker picking up a job.
func IncJobsInFlight() { jobsInFlight.Inc() }

// DecJobsInFlight marks a worker releasing a job.
func DecJobsInFlight() { jobsInFlight.Dec() }

// RecordQueueDepth stores the latest queue length sample.
func RecordQueueDepth(n int64) { queueDepth.Set(float64(n)) }

// ObserveStageDuration records one pipeline stage run.
func ObserveStageDuration(stage, outcome string, d time.Duration) {
	stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// RecordToolRun records one external tool invocation.
func RecordToolRun(tool, outcome string, d time.Duration) {
	toolRunsTotal.WithLabelValues(tool, outcome).Inc()
	toolRunDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// AddReapedJobs counts jobs removed by a reaper cycle.
func AddReapedJobs(horizon string, n int) {
	if n > 0 {
		reapedJobsTotal.WithLabelValues(horizon).Add(float64(n))
	}
}

// AddStaleRequeues counts lost jobs pushed back onto the queue.
func AddStaleRequeues(n int) {
	if n > 0 {
		staleRequeuesTotal.Add(float64(n))
	}
}
