package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Channel metrics
	EnvelopesTotal *prometheus.CounterVec
	ParseFailures  prometheus.Counter

	// Session metrics
	SessionsActive prometheus.Gauge
	DrainsTotal    prometheus.Counter
	Submissions    *prometheus.CounterVec
	OutputBytes    prometheus.Counter

	// WebSocket push metrics
	WSClients       prometheus.Gauge
	WSNotifications *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector registered on reg. Pass a fresh
// registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boardlab_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "boardlab_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		EnvelopesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boardlab_channel_envelopes_total",
				Help: "Total number of envelopes received on the shared channel",
			},
			[]string{"type"},
		),
		ParseFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "boardlab_channel_parse_failures_total",
				Help: "Total number of malformed envelopes dropped",
			},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "boardlab_sessions_active",
				Help: "Number of live device sessions",
			},
		),
		DrainsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "boardlab_session_drains_total",
				Help: "Total number of pending-delta drains",
			},
		),
		Submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boardlab_submissions_total",
				Help: "Total number of code submissions",
			},
			[]string{"status"},
		),
		OutputBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "boardlab_output_bytes_total",
				Help: "Total bytes of device output appended",
			},
		),

		WSClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "boardlab_ws_clients",
				Help: "Number of connected notification clients",
			},
		),
		WSNotifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boardlab_ws_notifications_total",
				Help: "Total number of change notifications pushed",
			},
			[]string{"type"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "boardlab_uptime_seconds",
				Help: "Backend uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnvelope counts one envelope by type. Implements
// transport.Recorder.
func (m *Metrics) RecordEnvelope(eventType string) {
	m.EnvelopesTotal.WithLabelValues(eventType).Inc()
}

// RecordParseFailure counts one dropped malformed envelope. Implements
// transport.Recorder.
func (m *Metrics) RecordParseFailure() {
	m.ParseFailures.Inc()
}

// RecordOutputBytes counts appended device output. Implements
// console.Recorder.
func (m *Metrics) RecordOutputBytes(n int) {
	m.OutputBytes.Add(float64(n))
}

// RecordSessionCount tracks the live-session gauge. Implements
// console.Recorder.
func (m *Metrics) RecordSessionCount(n int) {
	m.SessionsActive.Set(float64(n))
}

// RecordSubmission counts one code submission by outcome.
func (m *Metrics) RecordSubmission(status string) {
	m.Submissions.WithLabelValues(status).Inc()
}

// RecordNotification counts one pushed change notification.
func (m *Metrics) RecordNotification(kind string) {
	m.WSNotifications.WithLabelValues(kind).Inc()
}
