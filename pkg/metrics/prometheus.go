package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. Every metric is
// registered on a private registry so several instances (one per test, or a
// server and an agent in one process) never collide. All recorder methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Relay (server-side WebSocket) Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketDroppedTotal  *prometheus.CounterVec

	// Signaling client Metrics
	signalingEmitDroppedTotal *prometheus.CounterVec

	// Call Metrics
	callsTotal        *prometheus.CounterVec
	callsActive       prometheus.Gauge
	callsEndedTotal   *prometheus.CounterVec
	callSetupDuration prometheus.Histogram

	// ICE Metrics
	iceCandidatesTotal *prometheus.CounterVec

	// Chat Metrics
	chatMessagesTotal *prometheus.CounterVec

	// Redis Metrics
	redisDegraded     prometheus.Gauge
	redisHealthChecks *prometheus.CounterVec

	// Backing store Metrics
	storeRequestsTotal *prometheus.CounterVec
	storeErrorsTotal   *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active relay WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of relayed WebSocket frames",
				ConstLabels: labels,
			},
			[]string{"event", "direction"},
		),
		websocketDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_frames_dropped_total",
				Help:        "Total number of relay frames that could not be delivered",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),

		signalingEmitDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_emit_dropped_total",
				Help:        "Total number of client emits dropped while the channel was unusable",
				ConstLabels: labels,
			},
			[]string{"event"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of call sessions by direction",
				ConstLabels: labels,
			},
			[]string{"direction"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of connected calls",
				ConstLabels: labels,
			},
		),
		callsEndedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_ended_total",
				Help:        "Total number of ended call sessions by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		callSetupDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "call_setup_duration_seconds",
				Help:        "Time from session start to connected",
				ConstLabels: labels,
				Buckets:     []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
			},
		),

		iceCandidatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "ice_candidates_total",
				Help:        "Remote ICE candidates by outcome (applied, queued, failed)",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),

		chatMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "chat_messages_total",
				Help:        "Chat messages handled by the overlay by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),

		redisDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
				ConstLabels: labels,
			},
		),
		redisHealthChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_health_check_total",
				Help:        "Total number of Redis health checks by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),

		storeRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "store_requests_total",
				Help:        "Backing store operations by status",
				ConstLabels: labels,
			},
			[]string{"store", "operation", "status"},
		),
		storeErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "store_errors_total",
				Help:        "Backing store errors by type",
				ConstLabels: labels,
			},
			[]string{"store", "operation", "error_type"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "store_circuit_breaker_state",
				Help:        "Circuit breaker state per store (0=closed, 1=half_open, 2=open)",
				ConstLabels: labels,
			},
			[]string{"store"},
		),
	}

	return m
}

// GetRegistry returns the registry backing this instance
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// Relay Metrics Methods

// SetWebSocketConnections sets the number of active relay connections
func (m *Metrics) SetWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a relayed frame
func (m *Metrics) RecordWebSocketMessage(event, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(event, direction).Inc()
}

// RecordWebSocketDrop records an undeliverable relay frame
func (m *Metrics) RecordWebSocketDrop(reason string) {
	if m == nil {
		return
	}
	m.websocketDroppedTotal.WithLabelValues(reason).Inc()
}

// Signaling client Metrics Methods

// RecordEmitDropped records a client emit lost while disconnected
func (m *Metrics) RecordEmitDropped(event string) {
	if m == nil {
		return
	}
	m.signalingEmitDroppedTotal.WithLabelValues(event).Inc()
}

// Call Metrics Methods

// RecordCallStarted records a new call session; direction is outgoing or incoming
func (m *Metrics) RecordCallStarted(direction string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(direction).Inc()
}

// RecordCallConnected records a session reaching connected
func (m *Metrics) RecordCallConnected(setup time.Duration) {
	if m == nil {
		return
	}
	m.callsActive.Inc()
	m.callSetupDuration.Observe(setup.Seconds())
}

// RecordCallEnded records the end of a session
func (m *Metrics) RecordCallEnded(reason string, wasConnected bool) {
	if m == nil {
		return
	}
	if wasConnected {
		m.callsActive.Dec()
	}
	m.callsEndedTotal.WithLabelValues(reason).Inc()
}

// ICE Metrics Methods

// RecordICECandidate records what happened to a remote candidate
func (m *Metrics) RecordICECandidate(outcome string) {
	if m == nil {
		return
	}
	m.iceCandidatesTotal.WithLabelValues(outcome).Inc()
}

// Chat Metrics Methods

// RecordChatMessage records the overlay's decision for a message
func (m *Metrics) RecordChatMessage(outcome string) {
	if m == nil {
		return
	}
	m.chatMessagesTotal.WithLabelValues(outcome).Inc()
}

// Redis Metrics Methods

// SetRedisDegraded records whether Redis is in degraded mode
func (m *Metrics) SetRedisDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.redisDegraded.Set(1)
		return
	}
	m.redisDegraded.Set(0)
}

// RecordRedisHealthCheck records a Redis health check result
func (m *Metrics) RecordRedisHealthCheck(healthy bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !healthy {
		result = "failed"
	}
	m.redisHealthChecks.WithLabelValues(result).Inc()
}

// Backing store Metrics Methods

// RecordStoreRequest records one guarded store operation
func (m *Metrics) RecordStoreRequest(store, operation, status string) {
	if m == nil {
		return
	}
	m.storeRequestsTotal.WithLabelValues(store, operation, status).Inc()
}

// RecordStoreError records a failed store operation by error type
func (m *Metrics) RecordStoreError(store, operation, errorType string) {
	if m == nil {
		return
	}
	m.storeErrorsTotal.WithLabelValues(store, operation, errorType).Inc()
}

// SetCircuitState records a circuit breaker state (0=closed, 1=half_open, 2=open)
func (m *Metrics) SetCircuitState(store string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(store).Set(float64(state))
}
