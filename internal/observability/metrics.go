package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the lifecycle manager.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle metrics.
	SandboxStartsTotal   *prometheus.CounterVec
	SandboxStopsTotal    *prometheus.CounterVec
	SandboxesRunning     prometheus.Gauge
	SandboxStartDuration prometheus.Histogram

	// MCP session metrics.
	RPCRequestsTotal *prometheus.CounterVec
	RPCDuration      *prometheus.HistogramVec

	// Discovery metrics.
	DiscoveriesTotal  *prometheus.CounterVec
	DiscoveryDuration prometheus.Histogram
	ImageBuildsTotal  *prometheus.CounterVec
	LLMTokensUsed     *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onemcp",
			Subsystem: "sandbox",
			Name:      "starts_total",
			Help:      "Total sandbox start attempts.",
		}, []string{"status"}),

		SandboxStopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onemcp",
			Subsystem: "sandbox",
			Name:      "stops_total",
			Help:      "Total sandbox stop attempts.",
		}, []string{"status"}),

		SandboxesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "onemcp",
			Subsystem: "sandbox",
			Name:      "running",
			Help:      "Number of currently running sandbox instances.",
		}),

		SandboxStartDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "onemcp",
			Subsystem: "sandbox",
			Name:      "start_duration_seconds",
			Help:      "Sandbox start duration in seconds, container launch through handshake.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),

		RPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onemcp",
			Subsystem: "mcp",
			Name:      "rpc_requests_total",
			Help:      "Total MCP JSON-RPC requests sent to sandboxed servers.",
		}, []string{"method", "status"}),

		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "onemcp",
			Subsystem: "mcp",
			Name:      "rpc_duration_seconds",
			Help:      "MCP JSON-RPC round-trip duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"method"}),

		DiscoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onemcp",
			Subsystem: "discovery",
			Name:      "requests_total",
			Help:      "Total repository discovery requests.",
		}, []string{"status"}),

		DiscoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "onemcp",
			Subsystem: "discovery",
			Name:      "duration_seconds",
			Help:      "Repository discovery duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),

		ImageBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onemcp",
			Subsystem: "discovery",
			Name:      "image_builds_total",
			Help:      "Total sandbox image builds.",
		}, []string{"status"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onemcp",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed by script synthesis.",
		}, []string{"provider", "model", "direction"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onemcp",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "onemcp",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "onemcp",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.SandboxStartsTotal,
		m.SandboxStopsTotal,
		m.SandboxesRunning,
		m.SandboxStartDuration,
		m.RPCRequestsTotal,
		m.RPCDuration,
		m.DiscoveriesTotal,
		m.DiscoveryDuration,
		m.ImageBuildsTotal,
		m.LLMTokensUsed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
