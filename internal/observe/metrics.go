// Package observe provides application-wide observability primitives for
// jarvis: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the telemetry server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all jarvis metrics.
const meterName = "github.com/MrWong99/jarvis"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// DecodeDuration tracks how long the playback device takes to decode one
	// inbound audio chunk.
	DecodeDuration metric.Float64Histogram

	// TurnDuration tracks the time from a user message to the terminal
	// message of the assistant turn. Use with attribute:
	//   attribute.String("outcome", "complete"|"error")
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// MessagesReceived counts decoded inbound frames. Use with attribute:
	//   attribute.String("type", ...)
	MessagesReceived metric.Int64Counter

	// MessagesSent counts outbound frames. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", "ok"|"error")
	MessagesSent metric.Int64Counter

	// AudioChunksCaptured counts encoded microphone chunks handed to the
	// transport. Use with attribute:
	//   attribute.String("format", ...)
	AudioChunksCaptured metric.Int64Counter

	// AudioBytesPlayed counts decoded PCM bytes handed to the speaker.
	AudioBytesPlayed metric.Int64Counter

	// Turns counts finished assistant turns. Use with attribute:
	//   attribute.String("outcome", "complete"|"error")
	Turns metric.Int64Counter

	// --- Error counters ---

	// Errors counts non-fatal component errors. Use with attributes:
	//   attribute.String("component", ...), attribute.String("kind", ...)
	Errors metric.Int64Counter

	// --- Gauges ---

	// PlaybackQueueDepth tracks decoded buffers waiting behind the one
	// currently playing.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// ActiveConnections is 1 while the backend WebSocket is open.
	ActiveConnections metric.Int64UpDownCounter

	// --- Telemetry endpoints ---

	// HTTPRequestDuration times hits on /metrics, /healthz and /readyz. Use with attributes:
	//   attribute.String("route", ...), attribute.String("code", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for decode
// latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// turnBuckets covers full assistant turns, which include LLM and TTS time.
var turnBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DecodeDuration, err = m.Float64Histogram("jarvis.playback.decode.duration",
		metric.WithDescription("Latency of decoding one inbound audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("jarvis.session.turn.duration",
		metric.WithDescription("Time from user message to the end of the assistant turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MessagesReceived, err = m.Int64Counter("jarvis.transport.messages.received",
		metric.WithDescription("Inbound protocol messages by type."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("jarvis.transport.messages.sent",
		metric.WithDescription("Outbound protocol messages by type and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksCaptured, err = m.Int64Counter("jarvis.capture.chunks",
		metric.WithDescription("Encoded microphone chunks emitted by format."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesPlayed, err = m.Int64Counter("jarvis.playback.bytes",
		metric.WithDescription("Decoded PCM bytes handed to the speaker."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("jarvis.session.turns",
		metric.WithDescription("Finished assistant turns by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("jarvis.errors",
		metric.WithDescription("Non-fatal errors by component and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("jarvis.playback.queue.depth",
		metric.WithDescription("Decoded buffers waiting for playback."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("jarvis.transport.active_connections",
		metric.WithDescription("Open backend connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("jarvis.http.request.duration",
		metric.WithDescription("Telemetry HTTP request latency by method and path."),
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

// RecordReceived increments the inbound message counter for msgType.
func (m *Metrics) RecordReceived(ctx context.Context, msgType string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordSent increments the outbound message counter.
func (m *Metrics) RecordSent(ctx context.Context, msgType, status string) {
	m.MessagesSent.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", msgType),
			attribute.String("status", status),
		),
	)
}

// RecordChunk increments the captured chunk counter for format.
func (m *Metrics) RecordChunk(ctx context.Context, format string) {
	m.AudioChunksCaptured.Add(ctx, 1,
		metric.WithAttributes(attribute.String("format", format)),
	)
}

// RecordTurn records a finished assistant turn. A zero seconds value skips
// the duration histogram, which happens for turns with no user message.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Turns.Add(ctx, 1, attrs)
	if seconds > 0 {
		m.TurnDuration.Record(ctx, seconds, attrs)
	}
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(ctx context.Context, component, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("kind", kind),
		),
	)
}
