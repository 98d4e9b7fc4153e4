// Package stats exposes listener metrics through Prometheus. Every
// recording method is safe on a nil *Recorder so library consumers that
// do not scrape pay nothing.
package stats

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the listener's Prometheus metrics behind its own
// registry.
type Recorder struct {
	connectionsAccepted    prometheus.Counter
	connectionsEstablished *prometheus.CounterVec
	handshakeFailures      *prometheus.CounterVec
	connectionsActive      prometheus.Gauge
	emptyPolicies          prometheus.Counter
	handshakeDuration      prometheus.Histogram

	registry *prometheus.Registry
}

// NewRecorder creates a recorder with all listener metrics registered on a
// fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		connectionsAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edgebind_connections_accepted_total",
				Help: "Total number of TCP connections accepted by the HTTPS listener",
			},
		),

		connectionsEstablished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgebind_connections_established_total",
				Help: "Total number of completed TLS handshakes by negotiated parameters",
			},
			[]string{"cipher_suite", "tls_version"},
		),

		handshakeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgebind_handshake_failures_total",
				Help: "Total number of failed TLS handshakes by reason",
			},
			[]string{"reason"},
		),

		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "edgebind_connections_active",
				Help: "Number of currently open connections",
			},
		),

		emptyPolicies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edgebind_policy_empty_total",
				Help: "Times a cipher-suite policy resolved to an empty effective set",
			},
		),

		handshakeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "edgebind_handshake_duration_seconds",
				Help:    "TLS handshake duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		r.connectionsAccepted,
		r.connectionsEstablished,
		r.handshakeFailures,
		r.connectionsActive,
		r.emptyPolicies,
		r.handshakeDuration,
	)

	return r
}

// ConnectionAccepted records an accepted TCP connection.
func (r *Recorder) ConnectionAccepted() {
	if r == nil {
		return
	}
	r.connectionsAccepted.Inc()
	r.connectionsActive.Inc()
}

// ConnectionEstablished records a completed handshake.
func (r *Recorder) ConnectionEstablished(cipherSuite, tlsVersion string) {
	if r == nil {
		return
	}
	r.connectionsEstablished.WithLabelValues(cipherSuite, tlsVersion).Inc()
}

// HandshakeFailed records a failed handshake. The connection is closed at
// this point, so the active gauge drops here.
func (r *Recorder) HandshakeFailed(reason string) {
	if r == nil {
		return
	}
	r.handshakeFailures.WithLabelValues(reason).Inc()
	r.connectionsActive.Dec()
}

// ConnectionClosed records an established connection closing.
func (r *Recorder) ConnectionClosed() {
	if r == nil {
		return
	}
	r.connectionsActive.Dec()
}

// EmptyPolicy records a policy that resolved to an empty effective set.
func (r *Recorder) EmptyPolicy() {
	if r == nil {
		return
	}
	r.emptyPolicies.Inc()
}

// ObserveHandshake records how long a successful handshake took.
func (r *Recorder) ObserveHandshake(d time.Duration) {
	if r == nil {
		return
	}
	r.handshakeDuration.Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler for this recorder's
// registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
