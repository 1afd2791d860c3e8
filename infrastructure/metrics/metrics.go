// Package metrics provides Prometheus metrics collection for the cache
// coordination core.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/service_layer/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics emitted by the coordination core.
type Metrics struct {
	// HTTP metrics (health/admin surface)
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Invalidation (C3)
	InvalidationKeysTotal    *prometheus.CounterVec
	InvalidationDuration     *prometheus.HistogramVec
	InvalidationFailureTotal *prometheus.CounterVec

	// Coordination (C7)
	CoordinationLatency     *prometheus.HistogramVec
	CoordinationParticipant *prometheus.CounterVec

	// Event consumer (C8)
	EventsConsumedTotal *prometheus.CounterVec
	EventLagSeconds     prometheus.Gauge

	// Integration mode (C9)
	ModeTransitionsTotal *prometheus.CounterVec
	ModeCurrentState     *prometheus.GaugeVec

	// Shadow comparator (C10)
	ShadowComparisonsTotal *prometheus.CounterVec
	ShadowMatchRate        prometheus.Gauge

	// Distributed registry (C11)
	RegistryInstanceLoadScore *prometheus.GaugeVec
	RegistryActiveInstances   prometheus.Gauge

	// SLA monitor (C12)
	SLAViolationsTotal *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		InvalidationKeysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invalidation_keys_total",
				Help: "Total number of cache keys invalidated, by family",
			},
			[]string{"family"},
		),
		InvalidationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "invalidation_duration_seconds",
				Help:    "Time to run one invalidation pass, by family",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"family"},
		),
		InvalidationFailureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invalidation_failures_total",
				Help: "Total number of invalidation passes that failed or partially failed, by family",
			},
			[]string{"family", "category"},
		),

		CoordinationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordination_latency_seconds",
				Help:    "End-to-end latency of coordinating all participants for one event kind",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"event_kind"},
		),
		CoordinationParticipant: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_participant_total",
				Help: "Total number of participant invocations, by outcome",
			},
			[]string{"participant", "outcome"},
		),

		EventsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_consumed_total",
				Help: "Total number of stream events consumed, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		EventLagSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "event_consumer_lag_seconds",
				Help: "Age of the oldest unacknowledged stream entry",
			},
		),

		ModeTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "integration_mode_transitions_total",
				Help: "Total number of integration mode transitions",
			},
			[]string{"from", "to", "trigger"},
		),
		ModeCurrentState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "integration_mode_current",
				Help: "1 if the current integration mode equals the labeled state, else 0",
			},
			[]string{"state"},
		),

		ShadowComparisonsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadow_comparisons_total",
				Help: "Total number of shadow-mode comparisons, by match result",
			},
			[]string{"result"},
		),
		ShadowMatchRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shadow_match_rate",
				Help: "Rolling match rate between legacy and new lookup paths",
			},
		),

		RegistryInstanceLoadScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "registry_instance_load_score",
				Help: "Most recently reported load score per instance",
			},
			[]string{"instance_id"},
		),
		RegistryActiveInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_active_instances",
				Help: "Number of instances considered live by the registry",
			},
		),

		SLAViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sla_violations_total",
				Help: "Total number of recorded SLA violations, by kind and severity",
			},
			[]string{"kind", "severity"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.InvalidationKeysTotal,
			m.InvalidationDuration,
			m.InvalidationFailureTotal,
			m.CoordinationLatency,
			m.CoordinationParticipant,
			m.EventsConsumedTotal,
			m.EventLagSeconds,
			m.ModeTransitionsTotal,
			m.ModeCurrentState,
			m.ShadowComparisonsTotal,
			m.ShadowMatchRate,
			m.RegistryInstanceLoadScore,
			m.RegistryActiveInstances,
			m.SLAViolationsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request against the health/admin surface.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordInvalidation records the outcome of one invalidation pass for a family.
func (m *Metrics) RecordInvalidation(family string, keysDeleted int, duration time.Duration, err error) {
	m.InvalidationKeysTotal.WithLabelValues(family).Add(float64(keysDeleted))
	m.InvalidationDuration.WithLabelValues(family).Observe(duration.Seconds())
	if err != nil {
		m.InvalidationFailureTotal.WithLabelValues(family, "error").Inc()
	}
}

// RecordCoordination records the latency of coordinating one event.
// Per-participant outcomes are recorded separately by RecordParticipant.
func (m *Metrics) RecordCoordination(eventKind string, duration time.Duration) {
	m.CoordinationLatency.WithLabelValues(eventKind).Observe(duration.Seconds())
}

// RecordParticipant records whether a single participant succeeded, failed,
// or panicked during coordination.
func (m *Metrics) RecordParticipant(participant, outcome string) {
	m.CoordinationParticipant.WithLabelValues(participant, outcome).Inc()
}

// RecordEventConsumed records that a stream event of the given kind was
// processed with the given outcome (ack, nack, dead_letter).
func (m *Metrics) RecordEventConsumed(kind, outcome string) {
	m.EventsConsumedTotal.WithLabelValues(kind, outcome).Inc()
}

// SetEventLag updates the consumer lag gauge.
func (m *Metrics) SetEventLag(lag time.Duration) {
	m.EventLagSeconds.Set(lag.Seconds())
}

// RecordModeTransition records an integration mode transition and updates
// the current-state gauge set.
func (m *Metrics) RecordModeTransition(from, to, trigger string) {
	m.ModeTransitionsTotal.WithLabelValues(from, to, trigger).Inc()
	m.ModeCurrentState.WithLabelValues(from).Set(0)
	m.ModeCurrentState.WithLabelValues(to).Set(1)
}

// RecordShadowComparison records one shadow-mode comparison and refreshes
// the rolling match rate gauge.
func (m *Metrics) RecordShadowComparison(matched bool, rollingMatchRate float64) {
	result := "mismatch"
	if matched {
		result = "match"
	}
	m.ShadowComparisonsTotal.WithLabelValues(result).Inc()
	m.ShadowMatchRate.Set(rollingMatchRate)
}

// SetInstanceLoadScore records the most recently reported load score for an
// instance.
func (m *Metrics) SetInstanceLoadScore(instanceID string, score float64) {
	m.RegistryInstanceLoadScore.WithLabelValues(instanceID).Set(score)
}

// SetActiveInstances updates the number of live instances tracked by the
// registry.
func (m *Metrics) SetActiveInstances(count int) {
	m.RegistryActiveInstances.Set(float64(count))
}

// RecordSLAViolation records an SLA violation of the given kind and severity.
func (m *Metrics) RecordSLAViolation(kind, severity string) {
	m.SLAViolationsTotal.WithLabelValues(kind, severity).Inc()
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
