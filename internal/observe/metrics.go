// Package observe provides application-wide observability primitives for
// ModelGate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /health/metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ModelGate metrics.
const meterName = "github.com/modelgate/modelgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Gateway ---

	// RequestDuration tracks end-to-end gateway request latency. Use with
	// attributes: provider, operation, status.
	RequestDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("operation", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and error kind.
	ProviderErrors metric.Int64Counter

	// Retries counts retry attempts by provider and operation.
	Retries metric.Int64Counter

	// Fallbacks counts failover attempts by origin and target provider.
	Fallbacks metric.Int64Counter

	// --- Realtime ---

	// AudioSeconds accumulates transcribed input audio, by provider.
	AudioSeconds metric.Float64Counter

	// TranscriptTokens accumulates estimated transcript tokens, by provider.
	TranscriptTokens metric.Int64Counter

	// ActiveSessions tracks the number of live realtime sessions.
	ActiveSessions metric.Int64UpDownCounter

	// DroppedFrames counts frames evicted from bounded realtime queues.
	DroppedFrames metric.Int64Counter

	// ResponseLatency tracks commit-to-first-delta latency in milliseconds.
	ResponseLatency metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM round trips, which range from tens of milliseconds to a minute.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// realtimeLatencyBuckets are millisecond boundaries for commit-to-delta
// latency.
var realtimeLatencyBuckets = []float64{
	10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.RequestDuration, err = m.Float64Histogram("modelgate.gateway.request.duration",
		metric.WithDescription("End-to-end gateway request latency by provider, operation, and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("modelgate.provider.requests",
		metric.WithDescription("Total provider API requests by provider, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("modelgate.provider.errors",
		metric.WithDescription("Total provider errors by provider and error kind."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("modelgate.gateway.retries",
		metric.WithDescription("Total retry attempts by provider and operation."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("modelgate.gateway.fallbacks",
		metric.WithDescription("Total failover attempts by origin and target provider."),
	); err != nil {
		return nil, err
	}

	if met.AudioSeconds, err = m.Float64Counter("modelgate.realtime.audio.seconds",
		metric.WithDescription("Seconds of input audio accepted for transcription, by provider."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.TranscriptTokens, err = m.Int64Counter("modelgate.realtime.transcript.tokens",
		metric.WithDescription("Estimated transcript tokens emitted, by provider."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("modelgate.realtime.active_sessions",
		metric.WithDescription("Number of live realtime sessions."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("modelgate.realtime.dropped_frames",
		metric.WithDescription("Frames evicted from bounded realtime queues, by provider."),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("modelgate.realtime.response.latency",
		metric.WithDescription("Commit-to-first-delta latency, by provider."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(realtimeLatencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("modelgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
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

// RegisterQueueDepth registers an asynchronous gauge that observes the
// admission queue depth via fn on every collection.
func (m *Metrics) RegisterQueueDepth(fn func() int64) error {
	gauge, err := m.meter.Int64ObservableGauge("modelgate.gateway.queue.depth",
		metric.WithDescription("Requests parked in the admission queue."),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, fn())
		return nil
	}, gauge)
	return err
}

// RecordGatewayRequest records one completed gateway request: the latency
// histogram, the request counter, and on failure the error counter.
// errKind is empty for successes.
func (m *Metrics) RecordGatewayRequest(ctx context.Context, provider, operation string, d time.Duration, errKind string) {
	status := "ok"
	if errKind != "" {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	m.RequestDuration.Record(ctx, d.Seconds(), attrs)
	m.ProviderRequests.Add(ctx, 1, attrs)
	if errKind != "" {
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", errKind),
		))
	}
}

// RecordRetry counts one retry attempt.
func (m *Metrics) RecordRetry(ctx context.Context, provider, operation string) {
	m.Retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))
}

// RecordFallback counts one failover from one provider to another.
func (m *Metrics) RecordFallback(ctx context.Context, from, to string) {
	m.Fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordAudioSeconds accumulates accepted input audio.
func (m *Metrics) RecordAudioSeconds(ctx context.Context, provider string, seconds float64) {
	m.AudioSeconds.Add(ctx, seconds, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordTranscriptTokens accumulates estimated transcript tokens.
func (m *Metrics) RecordTranscriptTokens(ctx context.Context, provider string, tokens int64) {
	m.TranscriptTokens.Add(ctx, tokens, metric.WithAttributes(attribute.String("provider", provider)))
}

// SessionStarted bumps the live session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the live session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}

// RecordDroppedFrames counts frames evicted from a bounded realtime queue.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, provider string, n int64) {
	if n <= 0 {
		return
	}
	m.DroppedFrames.Add(ctx, n, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordResponseLatency records commit-to-first-delta latency.
func (m *Metrics) RecordResponseLatency(ctx context.Context, provider string, d time.Duration) {
	m.ResponseLatency.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("provider", provider)))
}
