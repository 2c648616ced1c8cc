// Package metrics exposes Prometheus collectors for the spiderd service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsStartedTotal  prometheus.Counter
	jobsFinishedTotal *prometheus.CounterVec
	jobsDroppedTotal  *prometheus.CounterVec
	pollsTotal        prometheus.Counter
	runningProcesses  prometheus.Gauge
	pendingJobs       *prometheus.GaugeVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsStartedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spiderd_jobs_started_total",
				Help: "Total number of crawl subprocesses spawned.",
			},
		)

		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spiderd_jobs_finished_total",
				Help: "Total number of crawl subprocesses that exited, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spiderd_jobs_dropped_total",
				Help: "Total number of jobs dropped before spawning, labeled by reason.",
			},
			[]string{"reason"},
		)

		pollsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spiderd_polls_total",
				Help: "Total number of queue polls performed.",
			},
		)

		runningProcesses = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spiderd_running_processes",
				Help: "Number of crawl subprocesses currently running.",
			},
		)

		pendingJobs = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spiderd_pending_jobs",
				Help: "Number of jobs waiting in a project queue.",
			},
			[]string{"project"},
		)
	})
}

// JobStarted increments the spawned-process counter.
func JobStarted() {
	if jobsStartedTotal != nil {
		jobsStartedTotal.Inc()
	}
}

// JobFinished records a process exit with the given outcome ("ok" or "error").
func JobFinished(outcome string) {
	if jobsFinishedTotal != nil {
		jobsFinishedTotal.WithLabelValues(outcome).Inc()
	}
}

// JobDropped records a job discarded before it could be spawned.
func JobDropped(reason string) {
	if jobsDroppedTotal != nil {
		jobsDroppedTotal.WithLabelValues(reason).Inc()
	}
}

// PollPerformed increments the poll counter.
func PollPerformed() {
	if pollsTotal != nil {
		pollsTotal.Inc()
	}
}

// SetRunningProcesses updates the running-process gauge.
func SetRunningProcesses(n int) {
	if runningProcesses != nil {
		runningProcesses.Set(float64(n))
	}
}

// SetPendingJobs updates the per-project pending gauge.
func SetPendingJobs(project string, n int) {
	if pendingJobs != nil {
		pendingJobs.WithLabelValues(project).Set(float64(n))
	}
}
