// Package metrics exposes gateway counters in the Prometheus text format.
// Every Record method is safe on a nil *Metrics so callers can leave
// metrics unconfigured.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "vai_toy"

// Stream end reasons.
const (
	StreamCompleted    = "completed"
	StreamRefused      = "refused_draining"
	StreamErrored      = "errored"
	StreamUnauthorized = "unauthorized"
	StreamInvalid      = "invalid_params"
	StreamRateLimited  = "rate_limited"
)

// Rate limit kinds.
const (
	LimitClaimIP      = "claim_ip"
	LimitClaimDevice  = "claim_device"
	LimitDeviceStream = "device_streams"
)

// Gauges read live state at scrape time.
type Gauges struct {
	Draining       func() bool
	ActiveSessions func() int
}

type Metrics struct {
	registry *prometheus.Registry

	ClaimsTotal    *prometheus.CounterVec
	ClaimDuration  prometheus.Histogram
	StreamsTotal   *prometheus.CounterVec
	StreamDuration prometheus.Histogram
	RateLimitHits  *prometheus.CounterVec
}

// New registers the gateway metrics on a private registry.
func New(namespace string, g Gauges) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	registry := prometheus.NewRegistry()

	claimsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by outcome",
		},
		[]string{"outcome"},
	)
	claimDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Help:      "Claim handling time in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)
	streamsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Streaming connections by how they ended",
		},
		[]string{"reason"},
	)
	streamDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Admitted stream session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)
	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by a rate limit",
		},
		[]string{"limit"},
	)
	registry.MustRegister(claimsTotal, claimDuration, streamsTotal, streamDuration, rateLimitHits)

	if g.Draining != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: "draining", Help: "1 while the instance is draining"},
			func() float64 {
				if g.Draining() {
					return 1
				}
				return 0
			},
		))
	}
	if g.ActiveSessions != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: "stream_sessions_active", Help: "Registered stream sessions"},
			func() float64 { return float64(g.ActiveSessions()) },
		))
	}

	return &Metrics{
		registry:       registry,
		ClaimsTotal:    claimsTotal,
		ClaimDuration:  claimDuration,
		StreamsTotal:   streamsTotal,
		StreamDuration: streamDuration,
		RateLimitHits:  rateLimitHits,
	}
}

// Handler serves the registry. A nil receiver serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordClaim(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ClaimsTotal.WithLabelValues(outcome).Inc()
	m.ClaimDuration.Observe(took.Seconds())
}

// RecordStreamEnd counts one stream. took is observed only for sessions
// that were admitted.
func (m *Metrics) RecordStreamEnd(reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.StreamsTotal.WithLabelValues(reason).Inc()
	if took > 0 {
		m.StreamDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) RecordRateLimitHit(limit string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limit).Inc()
}
