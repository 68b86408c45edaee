// Package observe provides application-wide observability primitives for
// Outcall: OpenTelemetry metrics, tracing, and HTTP middleware that ties them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Outcall metrics.
const meterName = "github.com/outcall-ai/outcall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// LLMFirstFragment tracks time from transcript to the first reply
	// fragment. This is the dominant component of perceived response delay.
	LLMFirstFragment metric.Float64Histogram

	// LLMTurnDuration tracks full LLM turn latency.
	LLMTurnDuration metric.Float64Histogram

	// GreetingDrain tracks how long the greeting took to play out before the
	// engine started listening.
	GreetingDrain metric.Float64Histogram

	// --- Counters ---

	// MediaFramesIn counts caller audio frames received from the carrier.
	MediaFramesIn metric.Int64Counter

	// MediaFramesOut counts synthesized frames delivered to the carrier.
	MediaFramesOut metric.Int64Counter

	// DroppedFrames counts frames lost to queue overflow. Use with attribute:
	//   attribute.String("queue", "pre_greeting"|"tts_out")
	DroppedFrames metric.Int64Counter

	// BargeIns counts caller interruptions that cut off playback.
	BargeIns metric.Int64Counter

	// Utterances counts consolidated caller utterances handed to the LLM.
	Utterances metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMFirstFragment, err = m.Float64Histogram("outcall.llm.first_fragment.duration",
		metric.WithDescription("Latency from caller utterance to first reply fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMTurnDuration, err = m.Float64Histogram("outcall.llm.turn.duration",
		metric.WithDescription("Latency of a full LLM reply turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GreetingDrain, err = m.Float64Histogram("outcall.greeting.drain.duration",
		metric.WithDescription("Time spent playing the greeting before listening started."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MediaFramesIn, err = m.Int64Counter("outcall.media.frames.in",
		metric.WithDescription("Caller audio frames received from the carrier."),
	); err != nil {
		return nil, err
	}
	if met.MediaFramesOut, err = m.Int64Counter("outcall.media.frames.out",
		metric.WithDescription("Synthesized audio frames sent to the carrier."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("outcall.media.frames.dropped",
		metric.WithDescription("Frames dropped to queue overflow, by queue."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("outcall.barge_ins",
		metric.WithDescription("Caller interruptions that cut off playback."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("outcall.utterances",
		metric.WithDescription("Consolidated caller utterances handed to the LLM."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("outcall.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("outcall.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("outcall.http.request.duration",
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

// RecordDroppedFrames records frames lost to overflow on the named queue.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, queue string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.DroppedFrames.Add(ctx, n,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordBargeIn records one caller interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.BargeIns.Add(ctx, 1)
}

// RecordUtterance records one consolidated caller utterance.
func (m *Metrics) RecordUtterance(ctx context.Context) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1)
}

// RecordTurn records latency for a completed LLM turn.
func (m *Metrics) RecordTurn(ctx context.Context, firstFragment, total time.Duration) {
	if m == nil {
		return
	}
	if firstFragment > 0 {
		m.LLMFirstFragment.Record(ctx, firstFragment.Seconds())
	}
	m.LLMTurnDuration.Record(ctx, total.Seconds())
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
