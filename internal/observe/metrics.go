// Package observe provides application-wide observability primitives for
// crywatch: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all crywatch metrics.
const meterName = "github.com/MrWong99/crywatch"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Classification pipeline ---

	// ClassifierDuration tracks the latency of one Classify call.
	ClassifierDuration metric.Float64Histogram

	// FramesSubmitted counts buffers accepted into the analysis queue.
	FramesSubmitted metric.Int64Counter

	// FramesDropped counts buffers discarded because the analysis queue was
	// full.
	FramesDropped metric.Int64Counter

	// ClassifierErrors counts failed Classify calls.
	ClassifierErrors metric.Int64Counter

	// ClassifierFailovers counts switches from one classifier engine to the
	// next. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	ClassifierFailovers metric.Int64Counter

	// --- Episodes ---

	// EpisodeModifications counts visible episode list changes. Use with
	// attribute:
	//   attribute.String("kind", "created"|"modified")
	EpisodeModifications metric.Int64Counter

	// AggregatorClamped counts observations whose time was earlier than the
	// previous one and was clamped.
	AggregatorClamped metric.Int64Counter

	// --- Sessions ---

	// SessionStarts counts session start attempts. Use with attribute:
	//   attribute.String("status", "ok"|"permission_denied"|"setup_failed"|"audio_unavailable"|"canceled")
	SessionStarts metric.Int64Counter

	// ActiveSessions tracks the number of running recording sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// StreamClients tracks the number of connected WebSocket subscribers.
	StreamClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// local RMS scoring through remote model inference.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ClassifierDuration, err = m.Float64Histogram("crywatch.classifier.duration",
		metric.WithDescription("Latency of sound classification per buffer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSubmitted, err = m.Int64Counter("crywatch.frames.submitted",
		metric.WithDescription("Audio buffers accepted for classification."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("crywatch.frames.dropped",
		metric.WithDescription("Audio buffers dropped because the analysis queue was full."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierErrors, err = m.Int64Counter("crywatch.classifier.errors",
		metric.WithDescription("Failed classification calls."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierFailovers, err = m.Int64Counter("crywatch.classifier.failovers",
		metric.WithDescription("Classifier engine failovers by source and target engine."),
	); err != nil {
		return nil, err
	}
	if met.EpisodeModifications, err = m.Int64Counter("crywatch.episodes.modifications",
		metric.WithDescription("Visible episode list changes by kind."),
	); err != nil {
		return nil, err
	}
	if met.AggregatorClamped, err = m.Int64Counter("crywatch.aggregator.clamped",
		metric.WithDescription("Observations clamped because they were older than the previous one."),
	); err != nil {
		return nil, err
	}
	if met.SessionStarts, err = m.Int64Counter("crywatch.session.starts",
		metric.WithDescription("Recording session start attempts by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("crywatch.active_sessions",
		metric.WithDescription("Number of running recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.StreamClients, err = m.Int64UpDownCounter("crywatch.stream.clients",
		metric.WithDescription("Number of connected episode stream subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("crywatch.http.request.duration",
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

// RecordModification records one visible episode list change.
func (m *Metrics) RecordModification(ctx context.Context, kind string) {
	m.EpisodeModifications.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSessionStart records a session start attempt with its outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordFailover records a switch from one classifier engine to another.
func (m *Metrics) RecordFailover(ctx context.Context, from, to string) {
	m.ClassifierFailovers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
