// Package telemetry bootstraps OpenTelemetry trace export for the daemon.
// Library consumers that never call Setup get the default no-op providers
// and pay nothing.
package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/edgebind/edgebind/pkg/config"
)

const tracerName = "edgebind"

// Setup installs a trace provider exporting over OTLP gRPC and returns its
// shutdown function. With telemetry disabled the returned shutdown is a
// no-op and the global providers are left untouched.
func Setup(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var dialOpts []grpc.DialOption
	if cfg.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP connection: %w", err)
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithGRPCConn(conn)))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// Service attributes are schemaless so the merge never conflicts with
	// the SDK's own resource schema.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("trace export enabled",
		"endpoint", cfg.Endpoint,
		"service_name", cfg.ServiceName,
		"sample_rate", cfg.SampleRate)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	}, nil
}

// Tracer returns the process tracer for ad-hoc spans.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
