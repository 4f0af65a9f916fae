package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aide_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Bus metrics
	busMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_bus_messages_total",
			Help: "Total number of messages enqueued on the bus",
		},
		[]string{"agent", "kind"},
	)

	busQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_bus_queries_total",
			Help: "Total number of bus queries by outcome",
		},
		[]string{"agent", "status"},
	)

	busQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aide_bus_query_duration_seconds",
			Help:    "Bus query round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	busHandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_bus_handler_errors_total",
			Help: "Total number of message handler failures",
		},
		[]string{"agent"},
	)

	// Agent run metrics
	agentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_agent_runs_total",
			Help: "Total number of agent runs by status",
		},
		[]string{"agent", "status"},
	)

	agentRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aide_agent_run_duration_seconds",
			Help:    "Agent run duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"agent"},
	)

	// Tool metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aide_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	toolRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aide_tool_rounds",
			Help:    "Tool rounds executed per conversational turn",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	toolTurnsTruncatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aide_tool_turns_truncated_total",
			Help: "Turns stopped by the tool round limit",
		},
	)

	// Scheduler metrics
	schedulerFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aide_scheduler_fires_total",
			Help: "Total number of scheduled job firings by outcome",
		},
		[]string{"agent", "outcome"},
	)

	scheduledJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aide_scheduled_jobs",
			Help: "Number of scheduled jobs by state",
		},
		[]string{"state"},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aide_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			busMessagesTotal,
			busQueriesTotal,
			busQueryDuration,
			busHandlerErrorsTotal,
			agentRunsTotal,
			agentRunDuration,
			toolCallsTotal,
			toolCallDuration,
			toolRounds,
			toolTurnsTruncatedTotal,
			schedulerFiresTotal,
			scheduledJobs,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBusMessage records a message enqueued for an agent
func RecordBusMessage(agent, kind string) {
	busMessagesTotal.WithLabelValues(agent, kind).Inc()
}

// RecordBusQuery records the outcome of a query
func RecordBusQuery(agent, status string, duration time.Duration) {
	busQueriesTotal.WithLabelValues(agent, status).Inc()
	busQueryDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordHandlerError records a failed message handler
func RecordHandlerError(agent string) {
	busHandlerErrorsTotal.WithLabelValues(agent).Inc()
}

// RecordAgentRun records a finished agent run
func RecordAgentRun(agent, status string, duration time.Duration) {
	agentRunsTotal.WithLabelValues(agent, status).Inc()
	agentRunDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordToolCall records tool call metrics
func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolRounds records how many tool rounds a turn used
func RecordToolRounds(rounds int, truncated bool) {
	toolRounds.Observe(float64(rounds))
	if truncated {
		toolTurnsTruncatedTotal.Inc()
	}
}

// RecordSchedulerFire records a scheduled firing
func RecordSchedulerFire(agent, outcome string) {
	schedulerFiresTotal.WithLabelValues(agent, outcome).Inc()
}

// SetScheduledJobs sets the scheduled job gauges
func SetScheduledJobs(active, paused int) {
	scheduledJobs.WithLabelValues("active").Set(float64(active))
	scheduledJobs.WithLabelValues("paused").Set(float64(paused))
}

// SetGoroutines sets the goroutines gauge
func SetGoroutines(count int) {
	goroutines.Set(float64(count))
}
