package observe

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareHarness struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	logs    *strings.Builder
}

// newHarness wraps a mux with /readyz (200) and /fail (503) routes.
func newHarness(t *testing.T) *middlewareHarness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /fail", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	var logs strings.Builder
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return &middlewareHarness{
		handler: Middleware(m, log)(mux),
		reader:  reader,
		spans:   installTracer(t),
		logs:    &logs,
	}
}

func (h *middlewareHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

// durationPoints returns the request-duration histogram points keyed by
// "route status".
func (h *middlewareHarness) durationPoints(t *testing.T) map[string]uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "duplexvoice.http.request.duration" {
				continue
			}
			hist, ok := md.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range hist.DataPoints {
				route, _ := dp.Attributes.Value(attribute.Key("route"))
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				out[route.AsString()+" "+status.AsString()] += dp.Count
			}
		}
	}
	return out
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	h := newHarness(t)

	h.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	h.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	h.do(httptest.NewRequest(http.MethodGet, "/fail", nil))
	h.do(httptest.NewRequest(http.MethodGet, "/wp-admin/setup.php", nil))
	h.do(httptest.NewRequest(http.MethodGet, "/.env", nil))

	got := h.durationPoints(t)
	want := map[string]uint64{
		"GET /readyz 200": 2,
		"GET /fail 503":   1,
		"unmatched 404":   2,
	}
	for k, n := range want {
		if got[k] != n {
			t.Errorf("%q: got %d samples, want %d (all: %v)", k, got[k], n, got)
		}
	}
	if len(got) != len(want) {
		t.Errorf("got %d label sets, want %d: %v", len(got), len(want), got)
	}
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	h := newHarness(t)

	h.do(httptest.NewRequest(http.MethodGet, "/fail", nil))

	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /fail" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /fail")
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("http.response.status_code = %d, want 503", status)
	}
	if spans[0].Status.Code.String() != "Error" {
		t.Errorf("5xx span status = %v, want Error", spans[0].Status.Code)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h := newHarness(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	rec := h.do(req)

	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Errorf("span trace ID = %q, want %q", got, traceID)
	}
	if !spans[0].Parent.IsValid() {
		t.Error("span should have the remote parent")
	}
}

func TestMiddleware_LogLevelByStatus(t *testing.T) {
	h := newHarness(t)

	h.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	h.do(httptest.NewRequest(http.MethodGet, "/nope", nil))

	lines := strings.Split(strings.TrimSpace(h.logs.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2:\n%s", len(lines), h.logs)
	}
	if !strings.Contains(lines[0], "level=DEBUG") || !strings.Contains(lines[0], `route="GET /readyz"`) {
		t.Errorf("success line = %s", lines[0])
	}
	if !strings.Contains(lines[1], "level=WARN") || !strings.Contains(lines[1], "route=unmatched") || !strings.Contains(lines[1], "status=404") {
		t.Errorf("not-found line = %s", lines[1])
	}
}

func TestResponseRecorder_FirstStatusWins(t *testing.T) {
	t.Parallel()

	rec := &responseRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _ = rec.Write([]byte("body"))
	rec.WriteHeader(http.StatusTeapot)

	if rec.status != http.StatusOK {
		t.Errorf("status = %d, want 200 after an implicit header", rec.status)
	}
	if rec.Unwrap() == nil {
		t.Error("Unwrap returned nil")
	}
}
