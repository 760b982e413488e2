package monitor

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay outcomes recorded by RelayMetrics.
const (
	OutcomeCompleted  = "completed"
	OutcomeAborted    = "aborted"
	OutcomeFailed     = "failed"
	OutcomeAuthFailed = "auth_failed"
	OutcomeBlocked    = "blocked"
)

// RelayMetrics tracks the signing relay.
//
// Metrics:
//   - bedrock_proxy_relay_requests_total: relayed requests by provider and outcome
//   - bedrock_proxy_upstream_responses_total: upstream responses by status code
//   - bedrock_proxy_relay_duration_seconds: time from receipt to the last byte
//
// A nil *RelayMetrics is valid and records nothing.
type RelayMetrics struct {
	requestsTotal     *prometheus.CounterVec
	upstreamResponses *prometheus.CounterVec
	duration          *prometheus.HistogramVec
}

// NewRelayMetrics creates and registers relay metrics with registerer.
func NewRelayMetrics(registerer prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bedrock_proxy",
				Subsystem: "relay",
				Name:      "requests_total",
				Help:      "Total number of relayed requests by outcome",
			},
			[]string{"provider", "outcome"},
		),
		upstreamResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bedrock_proxy",
				Name:      "upstream_responses_total",
				Help:      "Upstream responses by HTTP status code",
			},
			[]string{"provider", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bedrock_proxy",
				Subsystem: "relay",
				Name:      "duration_seconds",
				Help:      "Duration of relayed requests in seconds, including the streamed body",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"provider", "outcome"},
		),
	}

	registerer.MustRegister(m.requestsTotal, m.upstreamResponses, m.duration)
	return m
}

// RecordOutcome records one finished relay.
func (m *RelayMetrics) RecordOutcome(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(provider, outcome).Inc()
	m.duration.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}

// RecordUpstreamStatus records the status code returned by the upstream.
func (m *RelayMetrics) RecordUpstreamStatus(provider string, code int) {
	if m == nil {
		return
	}
	m.upstreamResponses.WithLabelValues(provider, strconv.Itoa(code)).Inc()
}
