// Package telemetry installs OpenTelemetry tracing when an OTLP endpoint is
// configured. Without one the global no-op tracer stays in place.
package telemetry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/docker/agentlab/pkg/version"
)

const (
	ServiceName = "agentlab"
	EnvEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"

	tracesPath = "/v1/traces"
)

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(context.Context) error

// Options configures Setup.
type Options struct {
	// Endpoint is the OTLP/HTTP base URL, e.g. http://localhost:4318. It
	// defaults to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string
	// Headers are sent with every export request.
	Headers map[string]string
	// Sampler defaults to sampling every trace.
	Sampler sdktrace.Sampler
}

// Setup installs a global tracer provider exporting to the configured
// endpoint. It returns a no-op shutdown and false when no endpoint is set.
func Setup(ctx context.Context, opts Options) (ShutdownFunc, bool, error) {
	endpoint := cmp.Or(opts.Endpoint, os.Getenv(EnvEndpoint))
	if endpoint == "" {
		return func(context.Context) error { return nil }, false, nil
	}

	exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(tracesURL(endpoint))}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracehttp.WithHeaders(opts.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, false, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version.String()),
	))
	if err != nil {
		return nil, false, fmt.Errorf("creating telemetry resource: %w", err)
	}

	sampler := opts.Sampler
	if sampler == nil {
		sampler = sdktrace.AlwaysSample()
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	slog.Debug("Tracing enabled", "endpoint", endpoint)

	return func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}, true, nil
}

// tracesURL accepts either a base URL or the full traces URL.
func tracesURL(endpoint string) string {
	endpoint = strings.TrimSuffix(endpoint, "/")
	if strings.HasSuffix(endpoint, tracesPath) {
		return endpoint
	}
	return endpoint + tracesPath
}

// TrackCommand starts the root span of a CLI command.
func TrackCommand(ctx context.Context, command string, args []string) (context.Context, trace.Span) {
	return otel.Tracer("github.com/docker/agentlab/cmd").Start(ctx, "command "+command,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("command", command),
			attribute.Int("args", len(args)),
		),
	)
}
