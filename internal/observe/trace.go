package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every span this module starts.
const tracerName = "github.com/MrWong99/duplexvoice"

// Span attribute keys shared by session spans and log lines.
const (
	KeySessionID = attribute.Key("duplexvoice.session.id")
	KeyProvider  = attribute.Key("duplexvoice.provider")
)

// Tracer returns the tracer of the globally registered provider. It is
// resolved on every call so tests can swap the provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span under ctx. End it with [EndSpan] or span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts an internal span for one phase of a voice session
// ("stream.open", "stream.close") tagged with the session ID and the name of
// the remote endpoint.
func StartSessionSpan(ctx context.Context, phase, sessionID, provider string) (context.Context, trace.Span) {
	return StartSpan(ctx, phase,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			KeySessionID.String(sessionID),
			KeyProvider.String(provider),
		),
	)
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID is the hex trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// SessionLogger derives the logger used for the lifetime of one session:
// base plus session_id, and trace_id/span_id when ctx carries a recording
// span. A nil base means [slog.Default]; an empty sessionID is omitted.
func SessionLogger(ctx context.Context, base *slog.Logger, sessionID string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	var attrs []any
	if sessionID != "" {
		attrs = append(attrs, slog.String("session_id", sessionID))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}
