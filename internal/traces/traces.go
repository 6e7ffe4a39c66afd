// Package traces provides OpenTelemetry tracing for ledger and settlement calls.
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

const tracerName = "github.com/mbd888/marketsettle"

// Init installs a global tracer provider exporting over OTLP gRPC.
// If otlpEndpoint is empty tracing stays a no-op.
// Returns a shutdown function that should be called on server stop.
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
			semconv.ServiceName("marketsettle"),
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

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Fail records err on span and marks it as errored. It returns err so it can
// be used inline: return traces.Fail(span, err).
func Fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func Method(name string) attribute.KeyValue {
	return attribute.String("ledger.method", name)
}

func TxHash(hash string) attribute.KeyValue {
	return attribute.String("ledger.tx_hash", hash)
}

func TradeID(id string) attribute.KeyValue {
	return attribute.String("escrow.trade_id", id)
}

func PurchaseID(id string) attribute.KeyValue {
	return attribute.String("escrow.purchase_id", id)
}

func Signer(addr string) attribute.KeyValue {
	return attribute.String("ledger.signer", addr)
}

func OrderID(id string) attribute.KeyValue {
	return attribute.String("order.id", id)
}

func UserID(id string) attribute.KeyValue {
	return attribute.String("user.id", id)
}
