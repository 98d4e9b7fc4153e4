package listener

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metricsCollector handles listener-level TLS metrics. Instruments come
// from the process meter provider; when none is installed every call is a
// no-op, as is every call on a nil collector.
type metricsCollector struct {
	connectionsTotal  metric.Int64Counter
	connectionsActive metric.Int64UpDownCounter
	handshakeErrors   metric.Int64Counter
	policyEmpty       metric.Int64Counter

	handshakeDuration metric.Float64Histogram

	tlsVersionDistribution  metric.Int64Counter
	cipherSuiteDistribution metric.Int64Counter

	logger *slog.Logger
}

func newMetricsCollector(logger *slog.Logger) (*metricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.GetMeterProvider().Meter("edgebind.listener")

	collector := &metricsCollector{
		logger: logger,
	}

	var err error

	collector.connectionsTotal, err = meter.Int64Counter(
		"tls_connections_total",
		metric.WithDescription("Total number of accepted TLS connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.connectionsActive, err = meter.Int64UpDownCounter(
		"tls_connections_active",
		metric.WithDescription("Number of currently open TLS connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeErrors, err = meter.Int64Counter(
		"tls_handshake_errors_total",
		metric.WithDescription("Total number of failed TLS handshakes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.policyEmpty, err = meter.Int64Counter(
		"tls_policy_empty_total",
		metric.WithDescription("Times a cipher-suite policy resolved to an empty effective set"),
		metric.WithUnit("{occurrence}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeDuration, err = meter.Float64Histogram(
		"tls_handshake_duration_seconds",
		metric.WithDescription("TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.tlsVersionDistribution, err = meter.Int64Counter(
		"tls_version_total",
		metric.WithDescription("Established TLS connections by protocol version"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.cipherSuiteDistribution, err = meter.Int64Counter(
		"tls_cipher_suite_total",
		metric.WithDescription("Established TLS connections by negotiated cipher suite"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordConnectionStart records an accepted connection.
func (c *metricsCollector) RecordConnectionStart(ctx context.Context) {
	if c == nil {
		return
	}
	c.connectionsTotal.Add(ctx, 1)
	c.connectionsActive.Add(ctx, 1)
}

// RecordConnectionEnd records an established connection closing.
func (c *metricsCollector) RecordConnectionEnd(ctx context.Context) {
	if c == nil {
		return
	}
	c.connectionsActive.Add(ctx, -1)
}

// RecordHandshakeSuccess records a completed handshake with its negotiated
// parameters.
func (c *metricsCollector) RecordHandshakeSuccess(ctx context.Context, version, cipherSuite string, duration time.Duration) {
	if c == nil {
		return
	}

	c.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("tls_version", version),
		attribute.String("cipher_suite", cipherSuite),
	))
	c.tlsVersionDistribution.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tls_version", version),
	))
	c.cipherSuiteDistribution.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cipher_suite", cipherSuite),
	))
}

// RecordHandshakeError records a failed handshake. The accepted connection
// is gone, so the active gauge drops here rather than in RecordConnectionEnd.
func (c *metricsCollector) RecordHandshakeError(ctx context.Context, reason string) {
	if c == nil {
		return
	}
	c.handshakeErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	c.connectionsActive.Add(ctx, -1)
}

// RecordPolicyEmpty records a policy that resolved to an empty effective set.
func (c *metricsCollector) RecordPolicyEmpty(ctx context.Context) {
	if c == nil {
		return
	}
	c.policyEmpty.Add(ctx, 1)
}
