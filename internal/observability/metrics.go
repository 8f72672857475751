package observability

import "github.com/prometheus/client_golang/prometheus"

const namespace = "sqlapi"

var (
	latencyBucketsMs = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route pattern and status.",
	}, []string{"method", "path", "status"})
	httpRequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	directQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "direct",
		Name:      "queries_total",
		Help:      "Direct SQL queries by outcome.",
	}, []string{"outcome"})
	directQueryLatencyMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "direct",
		Name:      "query_latency_ms",
		Help:      "Direct SQL query latency in milliseconds.",
		Buckets:   latencyBucketsMs,
	})

	batchJobsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "jobs_submitted_total",
		Help:      "Batch jobs accepted by the scheduler.",
	})
	batchJobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "jobs_finished_total",
		Help:      "Batch jobs that reached a terminal state.",
	}, []string{"state"})
	batchJobDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "job_duration_ms",
		Help:      "Batch job duration from creation to terminal state in milliseconds.",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000, 300000},
	})
	batchJobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "jobs_active",
		Help:      "Batch jobs that are pending or running.",
	})
	batchLeavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "leaves_total",
		Help:      "Batch statements by final node status.",
	}, []string{"status"})
	batchLeafLatencyMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "batch",
		Name:      "leaf_latency_ms",
		Help:      "Batch statement execution latency in milliseconds.",
		Buckets:   latencyBucketsMs,
	})

	retentionPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retention",
		Name:      "purged_jobs_total",
		Help:      "Finished job records removed by retention.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		directQueriesTotal,
		directQueryLatencyMs,
		batchJobsSubmittedTotal,
		batchJobsFinishedTotal,
		batchJobDurationMs,
		batchJobsActive,
		batchLeavesTotal,
		batchLeafLatencyMs,
		retentionPurgedTotal,
	)
}
