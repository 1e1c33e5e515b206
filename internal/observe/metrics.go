// Package observe provides application-wide observability primitives for
// turnguard: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all turnguard metrics.
const meterName = "github.com/sonavox/turnguard"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// DecisionLatency tracks the time from VAD signal to emitted decision.
	DecisionLatency metric.Float64Histogram

	// SpeakingDuration tracks agent utterance lengths, observed at each
	// speaking→silent transition.
	SpeakingDuration metric.Float64Histogram

	// --- Counters ---

	// Decisions counts resolved interruption events. Use with attributes:
	//   attribute.String("decision", ...), attribute.String("reason", ...), attribute.String("path", ...)
	Decisions metric.Int64Counter

	// CoalescedPulses counts VAD pulses that merged into an already-open
	// event instead of opening a new one.
	CoalescedPulses metric.Int64Counter

	// DroppedTranscripts counts transcripts that arrived after their event
	// was already closed by the resolution timeout.
	DroppedTranscripts metric.Int64Counter

	// --- Gauges ---

	// OpenEvents tracks the number of interruption events currently awaiting
	// a transcript or timeout. Bounded by the number of active sessions.
	OpenEvents metric.Int64UpDownCounter

	// ActiveSessions tracks the number of connected gateway sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for decision latencies, which are bounded by the resolution timeout and
// usually land well under a second.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// speakingBuckets defines histogram bucket boundaries (in seconds) for agent
// utterance durations.
var speakingBuckets = []float64{
	0.25, 0.5, 1, 2, 5, 10, 20, 45, 90,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DecisionLatency, err = m.Float64Histogram("turnguard.decision.duration",
		metric.WithDescription("Latency from VAD signal to emitted decision."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeakingDuration, err = m.Float64Histogram("turnguard.agent.speaking.duration",
		metric.WithDescription("Agent utterance length per speaking→silent transition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(speakingBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Decisions, err = m.Int64Counter("turnguard.decisions",
		metric.WithDescription("Total resolved interruption events by decision, reason, and resolution path."),
	); err != nil {
		return nil, err
	}
	if met.CoalescedPulses, err = m.Int64Counter("turnguard.vad.coalesced_pulses",
		metric.WithDescription("Total VAD pulses merged into an already-open event."),
	); err != nil {
		return nil, err
	}
	if met.DroppedTranscripts, err = m.Int64Counter("turnguard.transcripts.dropped",
		metric.WithDescription("Total transcripts discarded because their event timed out first."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.OpenEvents, err = m.Int64UpDownCounter("turnguard.events.open",
		metric.WithDescription("Number of interruption events currently awaiting resolution."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("turnguard.active_sessions",
		metric.WithDescription("Number of connected gateway sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("turnguard.http.request.duration",
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

// RecordDecision is a convenience method that records a resolved-decision
// counter increment with the standard attribute set.
func (m *Metrics) RecordDecision(ctx context.Context, decision, reason, path string) {
	m.Decisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("decision", decision),
			attribute.String("reason", reason),
			attribute.String("path", path),
		),
	)
}
