// Package traces provides OpenTelemetry tracing for the settlement relayer.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/zkmarket/relayer"

// Init installs a batching OTLP/gRPC tracer provider. With an empty endpoint
// tracing stays a no-op. The returned function flushes and stops the provider.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("zkmarket-relayer"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span named name on the relayer tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func EntryPoint(method string) attribute.KeyValue {
	return attribute.String("ledger.entry_point", method)
}

func TxHash(hash string) attribute.KeyValue {
	return attribute.String("ledger.tx_hash", hash)
}

func BlockRange(from, to uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("ledger.from_block", int64(from)), //nolint:gosec // block heights fit in int64
		attribute.Int64("ledger.to_block", int64(to)),     //nolint:gosec // block heights fit in int64
	}
}

func DispatchID(id string) attribute.KeyValue {
	return attribute.String("payout.dispatch_id", id)
}

func Commitment(hash string) attribute.KeyValue {
	return attribute.String("commitment.hash", hash)
}
