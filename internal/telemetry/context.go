package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of spans started inside packlock
const TracerName = "packlock"

// StartSpan starts a span and tags the request logger in ctx with its ids
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := Tracer(TracerName).Start(ctx, name, opts...)

	if logger := zerolog.Ctx(ctx); logger.GetLevel() != zerolog.Disabled && span.SpanContext().IsValid() {
		tagged := logger.With().
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String()).
			Logger()
		ctx = tagged.WithContext(ctx)
	}

	return ctx, span
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// MarkSpanError marks the current span as failed
func MarkSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}

// LogAndTraceError logs err with the request logger and records it on the span
func LogAndTraceError(ctx context.Context, err error, msg string) {
	zerolog.Ctx(ctx).Error().Err(err).Msg(msg)
	MarkSpanError(ctx, err)
}
