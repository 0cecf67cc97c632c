// Package metrics provides Prometheus metrics collection for the gateway:
// request counts, latencies, token usage, retry outcomes and queue depth.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "keymux"

var (
	// RequestsTotal counts completed requests by provider, model and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of completion requests",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Request latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	// TokenUsage tracks token consumption by direction (input, output).
	TokenUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_usage_total",
			Help:      "Total token usage",
		},
		[]string{"provider", "model", "type"},
	)

	// UpstreamFailures counts classified upstream failures.
	UpstreamFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Total upstream failures by classified outcome",
		},
		[]string{"provider", "outcome"},
	)

	// RetriesTotal counts completion retries by classified outcome.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total completion retries",
		},
		[]string{"outcome"},
	)

	// TasksSubmitted counts tasks admitted to the dispatcher.
	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_tasks_submitted_total",
		Help:      "Total tasks admitted to the dispatcher",
	})

	// TasksCoalesced counts queued tasks resolved by a finished task that
	// shared their unique key.
	TasksCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_tasks_coalesced_total",
		Help:      "Total queued tasks resolved without executing",
	})

	// TaskTimeouts counts tasks whose caller wait expired.
	TaskTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_task_timeouts_total",
		Help:      "Total tasks that exceeded their time budget",
	})
)

// RegisterQueueDepth exposes the dispatcher's outstanding-task count as a
// gauge. Called once at startup.
func RegisterQueueDepth(fn func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_outstanding_tasks",
		Help:      "Tasks admitted to the dispatcher and not yet resolved",
	}, fn)
}

// RecordRequest records metrics for a completed request.
func RecordRequest(provider, model string, statusCode int, latency time.Duration) {
	RequestsTotal.WithLabelValues(provider, model, strconv.Itoa(statusCode)).Inc()
	RequestLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
}

// RecordTokens records token usage metrics.
func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		TokenUsage.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		TokenUsage.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordFailure records a classified upstream failure.
func RecordFailure(provider, outcome string) {
	UpstreamFailures.WithLabelValues(provider, outcome).Inc()
}

// RecordRetry records a completion retry.
func RecordRetry(outcome string) {
	RetriesTotal.WithLabelValues(outcome).Inc()
}

// RecordTaskSubmitted records a task admitted to the dispatcher.
func RecordTaskSubmitted() { TasksSubmitted.Inc() }

// RecordTaskCoalesced records a queued task resolved without executing.
func RecordTaskCoalesced() { TasksCoalesced.Inc() }

// RecordTaskTimeout records a task wait that expired.
func RecordTaskTimeout() { TaskTimeouts.Inc() }
