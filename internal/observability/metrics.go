package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for agent self-monitoring.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Poll metrics
	PollDuration        prometheus.Histogram
	PollTotal           *prometheus.CounterVec
	ConsecutiveFailures prometheus.Gauge

	// Snapshot metrics
	SnapshotBuildDuration prometheus.Histogram
	SnapshotResources     *prometheus.GaugeVec

	// Remote API metrics
	APIRequestDuration *prometheus.HistogramVec
	APIRequestsTotal   *prometheus.CounterVec
	APIResponseBytes   prometheus.Counter
	TransportRetries   prometheus.Counter
	LoginsTotal        *prometheus.CounterVec
	FetchErrorsTotal   *prometheus.CounterVec

	// Action metrics
	ActionsTotal *prometheus.CounterVec

	// State metrics
	AgentState *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pve_agent_poll_duration_seconds",
			Help:    "Duration of complete poll cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		PollTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pve_agent_poll_total",
			Help: "Total number of poll cycles by outcome.",
		}, []string{"result"}),
		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pve_agent_consecutive_failures",
			Help: "Number of consecutive failed poll cycles.",
		}),

		SnapshotBuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pve_agent_snapshot_build_duration_seconds",
			Help:    "Duration of snapshot build operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotResources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pve_agent_snapshot_resources",
			Help: "Number of resources in the current snapshot.",
		}, []string{"kind"}),

		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pve_agent_api_request_duration_seconds",
			Help:    "Duration of individual remote API calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pve_agent_api_requests_total",
			Help: "Total number of remote API calls by method and status code.",
		}, []string{"method", "code"}),
		APIResponseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pve_agent_api_response_bytes_total",
			Help: "Total bytes read from remote API responses.",
		}),
		TransportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pve_agent_transport_retries_total",
			Help: "Total number of transport retry attempts.",
		}),
		LoginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pve_agent_logins_total",
			Help: "Total number of ticket logins by result.",
		}, []string{"result"}),
		FetchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pve_agent_fetch_errors_total",
			Help: "Total number of failed fetches captured as degraded data, by endpoint.",
		}, []string{"endpoint"}),

		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pve_agent_actions_total",
			Help: "Total number of lifecycle actions dispatched.",
		}, []string{"kind", "action", "result"}),

		AgentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pve_agent_state",
			Help: "Current poll state (1 = active, 0 = inactive).",
		}, []string{"state"}),
	}

	// Register all metrics with the custom registry.
	reg.MustRegister(
		m.PollDuration,
		m.PollTotal,
		m.ConsecutiveFailures,
		m.SnapshotBuildDuration,
		m.SnapshotResources,
		m.APIRequestDuration,
		m.APIRequestsTotal,
		m.APIResponseBytes,
		m.TransportRetries,
		m.LoginsTotal,
		m.FetchErrorsTotal,
		m.ActionsTotal,
		m.AgentState,
	)

	return m
}
