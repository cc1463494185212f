package observe

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer swaps the global tracer provider for an in-memory one. Tests
// using it must not run in parallel.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSessionSpan_Attributes(t *testing.T) {
	exp := installTracer(t)

	_, span := StartSessionSpan(context.Background(), "stream.open", "sess-1", "gemini")
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "stream.open" {
		t.Errorf("name = %q", got.Name)
	}
	want := map[string]string{
		string(KeySessionID): "sess-1",
		string(KeyProvider):  "gemini",
	}
	for _, kv := range got.Attributes {
		if v, ok := want[string(kv.Key)]; ok {
			if kv.Value.AsString() != v {
				t.Errorf("%s = %q, want %q", kv.Key, kv.Value.AsString(), v)
			}
			delete(want, string(kv.Key))
		}
	}
	if len(want) != 0 {
		t.Errorf("missing attributes: %v", want)
	}
	if got.Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := installTracer(t)

	_, span := StartSpan(context.Background(), "stream.open")
	EndSpan(span, errors.New("handshake rejected"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "handshake rejected" {
		t.Errorf("status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected an exception event")
	}
}

func TestCorrelationID(t *testing.T) {
	installTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("no span: got %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "x")
	defer span.End()
	got := CorrelationID(ctx)
	if got != span.SpanContext().TraceID().String() {
		t.Errorf("got %q, want %q", got, span.SpanContext().TraceID())
	}
	if len(got) != 32 {
		t.Errorf("trace ID %q is not 32 hex chars", got)
	}
}

func TestSessionLogger(t *testing.T) {
	installTracer(t)
	traced, span := StartSpan(context.Background(), "x")
	defer span.End()

	tests := []struct {
		name      string
		ctx       context.Context
		sessionID string
		want      []string
		wantNot   []string
	}{
		{
			name:      "traced session",
			ctx:       traced,
			sessionID: "sess-7",
			want:      []string{"session_id=sess-7", "trace_id=", "span_id="},
		},
		{
			name:      "untraced session",
			ctx:       context.Background(),
			sessionID: "sess-8",
			want:      []string{"session_id=sess-8"},
			wantNot:   []string{"trace_id"},
		},
		{
			name:    "nothing to add",
			ctx:     context.Background(),
			wantNot: []string{"session_id", "trace_id"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf strings.Builder
			base := slog.New(slog.NewTextHandler(&buf, nil))

			SessionLogger(tt.ctx, base, tt.sessionID).Info("hello")

			out := buf.String()
			for _, s := range tt.want {
				if !strings.Contains(out, s) {
					t.Errorf("output %q missing %q", out, s)
				}
			}
			for _, s := range tt.wantNot {
				if strings.Contains(out, s) {
					t.Errorf("output %q should not contain %q", out, s)
				}
			}
		})
	}
}

func TestSessionLogger_NilBaseUsesDefault(t *testing.T) {
	if SessionLogger(context.Background(), nil, "") != slog.Default() {
		t.Error("nil base with nothing to add should return slog.Default()")
	}
}
