// Package observe provides application-wide observability primitives for
// duplexvoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all duplexvoice metrics.
const meterName = "github.com/MrWong99/duplexvoice"

// Drop and failure reasons used as the "reason" attribute.
const (
	ReasonNotOpen     = "not_open"
	ReasonQueueFull   = "queue_full"
	ReasonSendFailed  = "send_failed"
	ReasonDeviceLost  = "device_lost"
	ReasonDisconnect  = "disconnected"
	ReasonHandshake   = "handshake_failed"
	ReasonDevice      = "device"
	ReasonCaptureLost = "capture_lost"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ActiveSessions tracks the number of sessions currently in the Open state.
	ActiveSessions metric.Int64UpDownCounter

	// SessionOpenDuration tracks the time from Open() to the Open state
	// (device acquisition plus remote handshake).
	SessionOpenDuration metric.Float64Histogram

	// FramesSent counts microphone frames written to the remote endpoint.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames that never reached the wire. Use
	// with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// BuffersScheduled counts decoded buffers handed to the output device.
	BuffersScheduled metric.Int64Counter

	// BuffersCancelled counts in-flight buffers stopped by an interruption or
	// teardown.
	BuffersCancelled metric.Int64Counter

	// Interruptions counts barge-in events received from the remote side.
	Interruptions metric.Int64Counter

	// CodecErrors counts inbound audio deltas dropped as malformed.
	CodecErrors metric.Int64Counter

	// TranscriptEvents counts transcript deltas. Use with attribute:
	//   attribute.String("speaker", ...)
	TranscriptEvents metric.Int64Counter

	// SessionFailures counts sessions that ended in the Failed state. Use with
	// attribute:
	//   attribute.String("reason", ...)
	SessionFailures metric.Int64Counter

	// RemoteErrors counts non-fatal error events reported by the remote
	// endpoint. Use with attribute:
	//   attribute.String("provider", ...)
	RemoteErrors metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("route", ...), attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// openBuckets are the histogram boundaries (seconds) for session setup, which
// is dominated by the remote handshake.
var openBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.ActiveSessions, err = m.Int64UpDownCounter("duplexvoice.sessions.active",
		metric.WithDescription("Number of sessions in the Open state."),
	); err != nil {
		return nil, fmt.Errorf("observe: duplexvoice.sessions.active: %w", err)
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
		opts []metric.Float64HistogramOption
	}{
		{&met.SessionOpenDuration, "duplexvoice.session.open.duration", "Latency from open() to the Open state.",
			[]metric.Float64HistogramOption{metric.WithExplicitBucketBoundaries(openBuckets...)}},
		{&met.HTTPRequestDuration, "duplexvoice.http.request.duration", "HTTP request latency by route pattern and status.", nil},
	}
	for _, h := range histograms {
		opts := append([]metric.Float64HistogramOption{metric.WithDescription(h.desc), metric.WithUnit("s")}, h.opts...)
		if *h.dst, err = m.Float64Histogram(h.name, opts...); err != nil {
			return nil, fmt.Errorf("observe: %s: %w", h.name, err)
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesSent, "duplexvoice.frames.sent", "Microphone frames written to the remote endpoint."},
		{&met.FramesDropped, "duplexvoice.frames.dropped", "Microphone frames dropped before transmission, by reason."},
		{&met.BuffersScheduled, "duplexvoice.buffers.scheduled", "Decoded audio buffers scheduled for playback."},
		{&met.BuffersCancelled, "duplexvoice.buffers.cancelled", "In-flight playback buffers stopped before completion."},
		{&met.Interruptions, "duplexvoice.interruptions", "Barge-in interruptions received from the remote endpoint."},
		{&met.CodecErrors, "duplexvoice.codec.errors", "Inbound audio deltas dropped as malformed."},
		{&met.TranscriptEvents, "duplexvoice.transcript.events", "Transcript deltas received, by speaker."},
		{&met.SessionFailures, "duplexvoice.session.failures", "Sessions that ended in the Failed state, by reason."},
		{&met.RemoteErrors, "duplexvoice.remote.errors", "Non-fatal error events reported by the remote endpoint."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("observe: %s: %w", c.name, err)
		}
	}
	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDropped records a dropped microphone frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordOpen marks a session as open after a setup of d.
func (m *Metrics) RecordOpen(ctx context.Context, d time.Duration) {
	m.ActiveSessions.Add(ctx, 1)
	m.SessionOpenDuration.Record(ctx, d.Seconds())
}

// RecordInterruption records a barge-in that stopped cancelled buffers.
func (m *Metrics) RecordInterruption(ctx context.Context, cancelled int) {
	m.Interruptions.Add(ctx, 1)
	if cancelled > 0 {
		m.BuffersCancelled.Add(ctx, int64(cancelled))
	}
}

// RecordTranscript records a transcript delta for speaker.
func (m *Metrics) RecordTranscript(ctx context.Context, speaker string) {
	m.TranscriptEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordSessionFailure records a session that ended in the Failed state.
func (m *Metrics) RecordSessionFailure(ctx context.Context, reason string) {
	m.SessionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRemoteError records a non-fatal error event from provider.
func (m *Metrics) RecordRemoteError(ctx context.Context, provider string) {
	m.RemoteErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
