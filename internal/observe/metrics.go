// Package observe provides the pipeline's observability primitives:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider] so they can be scraped from /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is available
// for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all VinylCast metrics.
const meterName = "github.com/MrWong99/vinylcast"

// Metrics holds the OpenTelemetry instruments of the streaming pipeline.
type Metrics struct {
	// CaptureBytes counts PCM bytes accepted from the audio source.
	CaptureBytes metric.Int64Counter

	// CaptureOverruns counts source callbacks dropped because the producer
	// pipe was full.
	CaptureOverruns metric.Int64Counter

	// TeeDroppedBytes counts bytes discarded for slow consumers. Attribute:
	//   attribute.String("tee", ...)
	TeeDroppedBytes metric.Int64Counter

	// TeeEvictions counts consumers disconnected by a tee.
	TeeEvictions metric.Int64Counter

	// TeeStalls counts Block consumers that exceeded the stall limit.
	TeeStalls metric.Int64Counter

	EncoderBytesIn  metric.Int64Counter
	EncoderBytesOut metric.Int64Counter

	// HTTPActiveClients tracks connected stream listeners.
	HTTPActiveClients metric.Int64UpDownCounter

	// HTTPConnections counts accepted stream requests. Attribute:
	//   attribute.String("result", "streamed"|"unavailable"|"rejected")
	HTTPConnections metric.Int64Counter

	// PipelineTransitions counts published statuses. Attribute:
	//   attribute.String("state", ...)
	PipelineTransitions metric.Int64Counter

	// EngageDuration tracks how long engage takes to reach Recording.
	EngageDuration metric.Float64Histogram

	// HTTPRequestDuration tracks admin API latency. Attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// engageBuckets are histogram boundaries (seconds) for session start-up.
var engageBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&met.CaptureBytes, "vinylcast.capture.bytes", "PCM bytes accepted from the audio source.", "By"},
		{&met.CaptureOverruns, "vinylcast.capture.overruns", "Source callbacks dropped on a full producer pipe.", ""},
		{&met.TeeDroppedBytes, "vinylcast.tee.dropped_bytes", "Bytes discarded for slow tee consumers.", "By"},
		{&met.TeeEvictions, "vinylcast.tee.evictions", "Consumers disconnected by a tee.", ""},
		{&met.TeeStalls, "vinylcast.tee.stalls", "Blocking consumers that exceeded the stall limit.", ""},
		{&met.EncoderBytesIn, "vinylcast.encoder.bytes_in", "PCM bytes queued into the codec.", "By"},
		{&met.EncoderBytesOut, "vinylcast.encoder.bytes_out", "ADTS bytes produced by the encoder.", "By"},
		{&met.HTTPConnections, "vinylcast.http.connections", "Stream requests by result.", ""},
		{&met.PipelineTransitions, "vinylcast.pipeline.transitions", "Published pipeline statuses by state.", ""},
	}
	for _, c := range counters {
		opts := []metric.Int64CounterOption{metric.WithDescription(c.desc)}
		if c.unit != "" {
			opts = append(opts, metric.WithUnit(c.unit))
		}
		if *c.dst, err = m.Int64Counter(c.name, opts...); err != nil {
			return nil, err
		}
	}

	if met.HTTPActiveClients, err = m.Int64UpDownCounter("vinylcast.http.active_clients",
		metric.WithDescription("Number of connected stream listeners."),
	); err != nil {
		return nil, err
	}
	if met.EngageDuration, err = m.Float64Histogram("vinylcast.pipeline.engage.duration",
		metric.WithDescription("Time from engage to Recording."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(engageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vinylcast.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built on the global
// meter provider. It panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTeeDrop adds n dropped bytes for the named tee.
func (m *Metrics) RecordTeeDrop(ctx context.Context, tee string, n int64) {
	if n <= 0 {
		return
	}
	m.TeeDroppedBytes.Add(ctx, n, metric.WithAttributes(Attr("tee", tee)))
}

// RecordEviction counts one evicted consumer of the named tee.
func (m *Metrics) RecordEviction(ctx context.Context, tee string) {
	m.TeeEvictions.Add(ctx, 1, metric.WithAttributes(Attr("tee", tee)))
}

// RecordStall counts one stalled consumer of the named tee.
func (m *Metrics) RecordStall(ctx context.Context, tee string) {
	m.TeeStalls.Add(ctx, 1, metric.WithAttributes(Attr("tee", tee)))
}

// RecordConnection counts one stream request with the given result.
func (m *Metrics) RecordConnection(ctx context.Context, result string) {
	m.HTTPConnections.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}

// RecordTransition counts one published pipeline status.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.PipelineTransitions.Add(ctx, 1, metric.WithAttributes(Attr("state", state)))
}
