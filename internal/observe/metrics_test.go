package observe

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// snapshot flattens every collected data point into "name{k=v,...}" keys.
// Sums map to their value, histograms to their sample count.
type snapshot map[string]int64

func newTestMetrics(t *testing.T) (*Metrics, func() snapshot) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, func() snapshot {
		t.Helper()
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		snap := snapshot{}
		for _, sm := range rm.ScopeMetrics {
			for _, md := range sm.Metrics {
				switch data := md.Data.(type) {
				case metricdata.Sum[int64]:
					for _, dp := range data.DataPoints {
						snap[pointKey(md.Name, dp.Attributes.ToSlice())] = dp.Value
					}
				case metricdata.Histogram[float64]:
					for _, dp := range data.DataPoints {
						snap[pointKey(md.Name, dp.Attributes.ToSlice())] = int64(dp.Count)
					}
				}
			}
		}
		return snap
	}
}

func pointKey(name string, attrs []attribute.KeyValue) string {
	if len(attrs) == 0 {
		return name
	}
	parts := make([]string, 0, len(attrs))
	for _, kv := range attrs {
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func TestMetrics_Recorders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		record func(context.Context, *Metrics)
		want   snapshot
	}{
		{
			name: "session open",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordOpen(ctx, 120*time.Millisecond)
				m.RecordOpen(ctx, 2*time.Second)
				m.ActiveSessions.Add(ctx, -1)
			},
			want: snapshot{
				"duplexvoice.sessions.active":       1,
				"duplexvoice.session.open.duration": 2,
			},
		},
		{
			name: "interruptions",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordInterruption(ctx, 3)
				m.RecordInterruption(ctx, 0)
			},
			want: snapshot{
				"duplexvoice.interruptions":     2,
				"duplexvoice.buffers.cancelled": 3,
			},
		},
		{
			name: "dropped frames by reason",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordFrameDropped(ctx, ReasonQueueFull)
				m.RecordFrameDropped(ctx, ReasonQueueFull)
				m.RecordFrameDropped(ctx, ReasonNotOpen)
			},
			want: snapshot{
				"duplexvoice.frames.dropped{reason=queue_full}": 2,
				"duplexvoice.frames.dropped{reason=not_open}":   1,
			},
		},
		{
			name: "transcripts by speaker",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordTranscript(ctx, "local")
				m.RecordTranscript(ctx, "remote")
				m.RecordTranscript(ctx, "remote")
			},
			want: snapshot{
				"duplexvoice.transcript.events{speaker=local}":  1,
				"duplexvoice.transcript.events{speaker=remote}": 2,
			},
		},
		{
			name: "failures",
			record: func(ctx context.Context, m *Metrics) {
				m.RecordSessionFailure(ctx, ReasonHandshake)
				m.RecordRemoteError(ctx, "gemini")
			},
			want: snapshot{
				"duplexvoice.session.failures{reason=handshake_failed}": 1,
				"duplexvoice.remote.errors{provider=gemini}":            1,
			},
		},
		{
			name: "plain counters",
			record: func(ctx context.Context, m *Metrics) {
				m.FramesSent.Add(ctx, 5)
				m.BuffersScheduled.Add(ctx, 4)
				m.CodecErrors.Add(ctx, 1)
			},
			want: snapshot{
				"duplexvoice.frames.sent":       5,
				"duplexvoice.buffers.scheduled": 4,
				"duplexvoice.codec.errors":      1,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, collect := newTestMetrics(t)
			tt.record(context.Background(), m)

			got := collect()
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %d, want %d", k, got[k], v)
				}
			}
			if len(got) != len(tt.want) {
				t.Errorf("unexpected extra points: %v", got)
			}
		})
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
