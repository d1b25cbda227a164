package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboxpilot",
			Name:      "jobs_processed_total",
			Help:      "Jobs finished by type and outcome.",
		},
		[]string{"job_type", "outcome"},
	)

	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboxpilot",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs enqueued by type.",
		},
		[]string{"job_type"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inboxpilot",
			Name:      "queue_depth",
			Help:      "Jobs currently in the queue by status.",
		},
		[]string{"status"},
	)

	feedPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboxpilot",
			Name:      "feed_passes_total",
			Help:      "Change feed passes by mode (incremental, full).",
		},
		[]string{"mode"},
	)

	assistCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboxpilot",
			Name:      "assist_calls_total",
			Help:      "Assistant calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboxpilot",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inboxpilot",
			Name:      "job_duration_seconds",
			Help:      "Handler wall time by job type.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"job_type"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			jobsProcessed,
			jobsEnqueued,
			queueDepth,
			feedPasses,
			assistCalls,
			httpRequests,
			jobDuration,
		)
	})
}

// IncJobProcessed increments the finished-job counter for a type/outcome pair.
func IncJobProcessed(jobType, outcome string) {
	jobsProcessed.WithLabelValues(jobType, outcome).Inc()
}

// IncJobEnqueued increments the enqueue counter for a job type.
func IncJobEnqueued(jobType string) {
	jobsEnqueued.WithLabelValues(jobType).Inc()
}

// SetQueueDepth records the current queue depth for a status label.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// IncFeedPass increments the feed pass counter for a mode label.
func IncFeedPass(mode string) {
	feedPasses.WithLabelValues(mode).Inc()
}

// IncAssistCall increments the assistant call counter.
func IncAssistCall(operation, outcome string) {
	assistCalls.WithLabelValues(operation, outcome).Inc()
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// ObserveJobDuration records handler wall time in seconds.
func ObserveJobDuration(jobType string, seconds float64) {
	jobDuration.WithLabelValues(jobType).Observe(seconds)
}
