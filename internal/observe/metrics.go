// Package observe provides the observability primitives of holdcue:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider] so they can be scraped from /metrics. Tests
// should use [NewMetrics] with their own [metric.MeterProvider] instead of
// [DefaultMetrics] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every holdcue metric.
const meterName = "github.com/MrWong99/holdcue"

// Scheduler tick outcomes recorded on [Metrics.SchedulerTicks].
const (
	TickSubmitted = "submitted"
	TickBusy      = "busy"
	TickShort     = "short"
	TickSilent    = "silent"
	TickDuplicate = "duplicate"
	TickEmpty     = "empty"
	TickDelivered = "delivered"
	TickFailed    = "failed"
)

// Metrics holds the metric instruments of the application. The OTel types
// handle their own synchronisation.
type Metrics struct {
	// STTDuration tracks transcription latency per window.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks whisper synthesis and playback latency.
	TTSDuration metric.Float64Histogram

	// ReadinessDuration tracks how long a readiness attempt took. Use with
	//   attribute.String("status", ...)
	ReadinessDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SchedulerTicks counts scheduler ticks by attribute.String("outcome", ...).
	SchedulerTicks metric.Int64Counter

	// TriggerMatches counts fired triggers by attribute.String("trigger_id", ...).
	TriggerMatches metric.Int64Counter

	// TriggerNearMisses counts phonetic near misses on unmatched partials.
	TriggerNearMisses metric.Int64Counter

	// SessionTransitions counts mode changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	SessionTransitions metric.Int64Counter

	// CircuitTransitions counts circuit breaker state changes by provider,
	// kind and target state.
	CircuitTransitions metric.Int64Counter

	// DeviceConnected is 1 while a device is attached.
	DeviceConnected metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds tuned for the voice
// pipeline.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTDuration, err = m.Float64Histogram("holdcue.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("holdcue.tts.duration",
		metric.WithDescription("Latency of whisper synthesis and playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReadinessDuration, err = m.Float64Histogram("holdcue.readiness.duration",
		metric.WithDescription("Duration of readiness attempts by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("holdcue.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("holdcue.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SchedulerTicks, err = m.Int64Counter("holdcue.scheduler.ticks",
		metric.WithDescription("Transcription scheduler ticks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TriggerMatches, err = m.Int64Counter("holdcue.trigger.matches",
		metric.WithDescription("Fired triggers by trigger id."),
	); err != nil {
		return nil, err
	}
	if met.TriggerNearMisses, err = m.Int64Counter("holdcue.trigger.near_misses",
		metric.WithDescription("Phonetic near misses on unmatched partial transcripts."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("holdcue.session.transitions",
		metric.WithDescription("Session mode transitions by source and target mode."),
	); err != nil {
		return nil, err
	}

	if met.CircuitTransitions, err = m.Int64Counter("holdcue.circuit.transitions",
		metric.WithDescription("Circuit breaker state changes by provider, kind, and target state."),
	); err != nil {
		return nil, err
	}

	if met.DeviceConnected, err = m.Int64UpDownCounter("holdcue.device.connected",
		metric.WithDescription("Number of attached devices."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("holdcue.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. It panics if instrument creation
// fails, which does not happen with the global provider.
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

// RecordProviderRequest increments the provider request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTick increments the scheduler tick counter for outcome.
func (m *Metrics) RecordTick(ctx context.Context, outcome string) {
	m.SchedulerTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordMatch increments the trigger match counter.
func (m *Metrics) RecordMatch(ctx context.Context, triggerID string) {
	m.TriggerMatches.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger_id", triggerID)))
}

// RecordTransition increments the session transition counter.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordCircuitTransition increments the circuit transition counter.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, provider, kind, to string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("to", to),
		),
	)
}
