package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Worker pool metrics
	WorkersConnected *prometheus.GaugeVec
	WorkersBusy      *prometheus.GaugeVec
	DispatchTotal    *prometheus.CounterVec
	DispatchRetries  prometheus.Counter
	AckTimeouts      prometheus.Counter

	// Relay metrics
	RelayChunks  prometheus.Counter
	RelayStreams *prometheus.CounterVec

	// Proxy metrics
	UpstreamRequests *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter

	// Account metrics
	AccountDegradation *prometheus.GaugeVec
	AccountLoad        *prometheus.GaugeVec
	AccountUsage       *prometheus.CounterVec
	AccountCutoff      *prometheus.GaugeVec

	// Tunnel metrics
	TunnelConnections *prometheus.CounterVec
	TunnelBytes       *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		WorkersConnected: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convoy_workers_connected",
				Help: "Number of connected workers per account",
			},
			[]string{"account"},
		),
		WorkersBusy: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convoy_workers_busy",
				Help: "Number of workers with an in-flight task per account",
			},
			[]string{"account"},
		),
		DispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_dispatch_total",
				Help: "Total number of dispatch attempts",
			},
			[]string{"account", "outcome"},
		),
		DispatchRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "convoy_dispatch_retries_total",
				Help: "Total number of dispatch retries after worker faults",
			},
		),
		AckTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "convoy_ack_timeouts_total",
				Help: "Total number of task acknowledgment timeouts",
			},
		),

		RelayChunks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "convoy_relay_chunks_total",
				Help: "Total number of streamed chunks relayed to callers",
			},
		),
		RelayStreams: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_relay_streams_total",
				Help: "Total number of relayed streams by outcome",
			},
			[]string{"outcome"},
		),

		UpstreamRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_upstream_requests_total",
				Help: "Total number of requests forwarded upstream",
			},
			[]string{"host", "status"},
		),
		CacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "convoy_asset_cache_hits_total",
				Help: "Total number of static asset cache hits",
			},
		),
		CacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "convoy_asset_cache_misses_total",
				Help: "Total number of static asset cache misses",
			},
		),

		AccountDegradation: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convoy_account_degradation",
				Help: "Degradation score per account from synthetic probes",
			},
			[]string{"account"},
		),
		AccountLoad: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convoy_account_load",
				Help: "Bounded 0-100 load score per account",
			},
			[]string{"account"},
		),
		AccountUsage: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_account_usage_total",
				Help: "Total conversation requests per account and model",
			},
			[]string{"account", "model"},
		),
		AccountCutoff: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convoy_account_knowledge_cutoff",
				Help: "Knowledge cutoff reported per account, exported as an info-style gauge",
			},
			[]string{"account", "cutoff"},
		),

		TunnelConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_tunnel_connections_total",
				Help: "Total tunnel connections by mode",
			},
			[]string{"mode"},
		),
		TunnelBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_tunnel_bytes_total",
				Help: "Total bytes piped through tunnels by direction",
			},
			[]string{"direction"},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "convoy_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one dispatch attempt outcome
func (m *Metrics) RecordDispatch(account, outcome string) {
	m.DispatchTotal.WithLabelValues(account, outcome).Inc()
}

// RecordUpstream records one forwarded request
func (m *Metrics) RecordUpstream(host, status string) {
	m.UpstreamRequests.WithLabelValues(host, status).Inc()
}
