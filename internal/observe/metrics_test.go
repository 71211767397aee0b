package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValue returns the value of the first data point matching the attribute,
// or -1 when absent.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, attrKey, attrVal string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == attrKey && kv.Value.AsString() == attrVal {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordGatewayRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGatewayRequest(ctx, "openai", "chat.completions", 120*time.Millisecond, "")
	m.RecordGatewayRequest(ctx, "openai", "chat.completions", 80*time.Millisecond, "")
	m.RecordGatewayRequest(ctx, "openai", "chat.completions", 2*time.Second, "transient")

	rm := collect(t, reader)

	met := findMetric(rm, "modelgate.gateway.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("duration samples = %d, want 3", total)
	}

	if got := sumValue(t, rm, "modelgate.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("requests ok = %d, want 2", got)
	}
	if got := sumValue(t, rm, "modelgate.provider.requests", "status", "error"); got != 1 {
		t.Errorf("requests error = %d, want 1", got)
	}
	if got := sumValue(t, rm, "modelgate.provider.errors", "kind", "transient"); got != 1 {
		t.Errorf("errors transient = %d, want 1", got)
	}
}

func TestRetryAndFallbackCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRetry(ctx, "openai", "chat.completions")
	m.RecordRetry(ctx, "openai", "chat.completions")
	m.RecordFallback(ctx, "openai", "gemini")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "modelgate.gateway.retries", "provider", "openai"); got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
	if got := sumValue(t, rm, "modelgate.gateway.fallbacks", "to", "gemini"); got != 1 {
		t.Errorf("fallbacks = %d, want 1", got)
	}
}

func TestRealtimeCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAudioSeconds(ctx, "openai", 1.5)
	m.RecordAudioSeconds(ctx, "openai", 0.5)
	m.RecordTranscriptTokens(ctx, "openai", 7)
	m.RecordDroppedFrames(ctx, "gemini", 3)
	m.RecordDroppedFrames(ctx, "gemini", 0) // no-op

	rm := collect(t, reader)

	met := findMetric(rm, "modelgate.realtime.audio.seconds")
	if met == nil {
		t.Fatal("audio seconds metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[float64])
	if !ok {
		t.Fatal("audio seconds is not a float64 sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2.0 {
		t.Errorf("audio seconds = %v, want 2.0", sum.DataPoints)
	}

	if got := sumValue(t, rm, "modelgate.realtime.transcript.tokens", "provider", "openai"); got != 7 {
		t.Errorf("transcript tokens = %d, want 7", got)
	}
	if got := sumValue(t, rm, "modelgate.realtime.dropped_frames", "provider", "gemini"); got != 3 {
		t.Errorf("dropped frames = %d, want 3", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionStarted(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx)

	rm := collect(t, reader)
	met := findMetric(rm, "modelgate.realtime.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestResponseLatencyHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordResponseLatency(ctx, "openai", 420*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "modelgate.realtime.response.latency")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Sum; got != 420 {
		t.Errorf("latency sum = %v ms, want 420", got)
	}
}

func TestRegisterQueueDepth(t *testing.T) {
	m, reader := newTestMetrics(t)

	depth := int64(4)
	if err := m.RegisterQueueDepth(func() int64 { return depth }); err != nil {
		t.Fatalf("RegisterQueueDepth: %v", err)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "modelgate.gateway.queue.depth")
	if met == nil {
		t.Fatal("metric not found")
	}
	g, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(g.DataPoints) == 0 || g.DataPoints[0].Value != 4 {
		t.Errorf("queue depth = %v, want 4", g.DataPoints)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/health"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "modelgate.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
