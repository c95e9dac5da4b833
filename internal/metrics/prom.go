package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/autoeda/chart-engine/internal/model"
)

// Prometheus collectors complement the in-memory store: counters for scrape,
// the store for exact small-N percentiles.
var (
	jobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chart_jobs_finished_total",
		Help: "Chart jobs reaching a terminal state, by status and error code.",
	}, []string{"status", "code"})

	jobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chart_job_duration_seconds",
		Help:    "End-to-end chart job duration.",
		Buckets: prometheus.DefBuckets,
	})

	jobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chart_jobs_queued",
		Help: "Jobs currently waiting in the scheduler queue.",
	})
)

// ObserveJobFinished updates the Prometheus collectors for one terminal job.
func ObserveJobFinished(status model.JobState, code model.ErrorKind, d time.Duration) {
	jobsFinishedTotal.WithLabelValues(string(status), string(code)).Inc()
	jobDurationSeconds.Observe(d.Seconds())
}

// SetQueueDepth publishes the current scheduler queue length.
func SetQueueDepth(n int) {
	jobsQueued.Set(float64(n))
}
