package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all framework-level metrics (not domain-specific).
type Metrics struct {
	// Adapter metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	FailuresTotal   *prometheus.CounterVec

	// Hybrid transport metrics
	FallbackAttempts  *prometheus.CounterVec
	CapabilityProbes  *prometheus.CounterVec
	LateRepliesTotal  *prometheus.CounterVec
	EndpointsDetected *prometheus.GaugeVec

	// Discovery metrics
	DiscoveryRequests *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all framework metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qollective",
				Subsystem: "adapter",
				Name:      "requests_total",
				Help:      "Total requests per adapter and outcome",
			},
			[]string{"protocol", "outcome"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "qollective",
				Subsystem: "adapter",
				Name:      "request_duration_seconds",
				Help:      "Request round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol", "operation"},
		),

		FailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qollective",
				Subsystem: "adapter",
				Name:      "failures_total",
				Help:      "Total failures per adapter and error code",
			},
			[]string{"protocol", "code"},
		),

		FallbackAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qollective",
				Subsystem: "hybrid",
				Name:      "fallback_attempts_total",
				Help:      "Transport attempts during fallback, per protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),

		CapabilityProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qollective",
				Subsystem: "hybrid",
				Name:      "capability_probes_total",
				Help:      "Capability detection probes, per protocol and result",
			},
			[]string{"protocol", "result"},
		),

		LateRepliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qollective",
				Subsystem: "adapter",
				Name:      "late_replies_discarded_total",
				Help:      "Replies that arrived after their request was abandoned",
			},
			[]string{"protocol"},
		),

		EndpointsDetected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "qollective",
				Subsystem: "hybrid",
				Name:      "endpoints_detected",
				Help:      "Endpoints with cached capability records, per protocol",
			},
			[]string{"protocol"},
		),

		DiscoveryRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "qollective",
				Subsystem: "discovery",
				Name:      "requests_total",
				Help:      "Discovery requests, per operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "qollective",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "qollective",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "qollective",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}
