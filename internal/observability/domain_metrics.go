package observability

import (
	"net/http"
	"strconv"
	"time"
)

func observeHTTPRequest(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, code).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// ObserveDirectQuery records one /api/v1/sql request. outcome is "success",
// "rejected", "error" or a query error kind.
func ObserveDirectQuery(outcome string, elapsed time.Duration) {
	directQueriesTotal.WithLabelValues(outcome).Inc()
	directQueryLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveBatchJobSubmitted() {
	batchJobsSubmittedTotal.Inc()
	batchJobsActive.Inc()
}

func ObserveBatchJobFinished(state string, elapsed time.Duration) {
	batchJobsActive.Dec()
	batchJobsFinishedTotal.WithLabelValues(state).Inc()
	batchJobDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveBatchLeaf(status string, elapsed time.Duration) {
	batchLeavesTotal.WithLabelValues(status).Inc()
	batchLeafLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func AddRetentionPurged(count int) {
	if count > 0 {
		retentionPurgedTotal.Add(float64(count))
	}
}

// routeLabel keeps job ids out of metric labels. ServeMux records the matched
// pattern on the request it dispatches.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}
