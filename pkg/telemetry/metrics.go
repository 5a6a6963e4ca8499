package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the gateway. A nil *Metrics or one
// built with metrics disabled accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Request metrics
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge

	// Connector metrics
	connectorCalls    *prometheus.CounterVec
	connectorDuration *prometheus.HistogramVec
	connectorErrors   *prometheus.CounterVec

	// Rules metrics
	ruleEvaluations *prometheus.CounterVec
	rulesReloads    *prometheus.CounterVec
	rulesVersion    prometheus.Gauge

	auditFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_requests_total",
				Help:      "Total number of provisioning requests by outcome",
			},
			[]string{"operation", "target", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provisioning_duration_seconds",
				Help:      "Duration of provisioning requests in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "target"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_requests",
				Help:      "Current number of provisioning requests being processed",
			},
		),

		connectorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_calls_total",
				Help:      "Total number of backend connector calls",
			},
			[]string{"connector", "operation"},
		),
		connectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connector_call_duration_seconds",
				Help:      "Duration of backend connector calls in seconds",
				Buckets:   buckets,
			},
			[]string{"connector", "operation"},
		),
		connectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_errors_total",
				Help:      "Total number of backend connector failures by kind",
			},
			[]string{"connector", "operation", "kind"},
		),

		ruleEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_evaluations_total",
				Help:      "Total number of rule set evaluations",
			},
			[]string{"target", "status"},
		),
		rulesReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_reloads_total",
				Help:      "Total number of rule document reloads",
			},
			[]string{"status"},
		),
		rulesVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rules_version",
				Help:      "Version of the active rule snapshot",
			},
		),

		auditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_failures_total",
				Help:      "Total number of audit records that could not be written",
			},
		),
	}

	registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.inFlight,
		m.connectorCalls,
		m.connectorDuration,
		m.connectorErrors,
		m.ruleEvaluations,
		m.rulesReloads,
		m.rulesVersion,
		m.auditFailures,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequestStarted marks a provisioning request as in flight.
func (m *Metrics) RecordRequestStarted() {
	if !m.enabled() {
		return
	}
	m.inFlight.Inc()
}

// RecordRequestCompleted records a finished provisioning request.
func (m *Metrics) RecordRequestCompleted(operation, target, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.inFlight.Dec()
	m.requests.WithLabelValues(operation, target, outcome).Inc()
	m.requestDuration.WithLabelValues(operation, target).Observe(duration.Seconds())
}

// RecordConnectorCall records a backend call with its duration.
func (m *Metrics) RecordConnectorCall(connector, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.connectorCalls.WithLabelValues(connector, operation).Inc()
	m.connectorDuration.WithLabelValues(connector, operation).Observe(duration.Seconds())
}

// RecordConnectorError records a classified backend failure.
func (m *Metrics) RecordConnectorError(connector, operation, kind string) {
	if !m.enabled() {
		return
	}
	m.connectorErrors.WithLabelValues(connector, operation, kind).Inc()
}

// RecordRuleEvaluation records a rule set evaluation ("ok" or "error").
func (m *Metrics) RecordRuleEvaluation(target, status string) {
	if !m.enabled() {
		return
	}
	m.ruleEvaluations.WithLabelValues(target, status).Inc()
}

// RecordRulesReload records a reload attempt. version is the active
// snapshot version afterwards.
func (m *Metrics) RecordRulesReload(status string, version uint64) {
	if !m.enabled() {
		return
	}
	m.rulesReloads.WithLabelValues(status).Inc()
	m.rulesVersion.Set(float64(version))
}

// RecordAuditFailure counts a lost audit record.
func (m *Metrics) RecordAuditFailure() {
	if !m.enabled() {
		return
	}
	m.auditFailures.Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on the configured dedicated listener.
// It returns nil when no listener is configured.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	return server
}
