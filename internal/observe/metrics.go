// Package observe provides application-wide observability primitives for
// Taleturn: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Taleturn metrics.
const meterName = "github.com/rvickery/taleturn"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CompletionDuration tracks text-completion latency (Phase B).
	CompletionDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn resolution latency.
	TurnDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding provider latency.
	EmbeddingDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsResolved counts resolved turns. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	TurnsResolved metric.Int64Counter

	// CASConflicts counts campaign row-version conflicts observed in Phase C.
	CASConflicts metric.Int64Counter

	// LeaseDenied counts turn submissions rejected because a live lease was
	// already held.
	LeaseDenied metric.Int64Counter

	// OutboxDispatched counts outbox dispatch outcomes. Use with attributes:
	//   attribute.String("event_type", ...), attribute.String("status", ...)
	OutboxDispatched metric.Int64Counter

	// TimersFired counts timers moved from active to expired by the sweeper.
	TimersFired metric.Int64Counter

	// RewindsApplied counts successful rewinds.
	RewindsApplied metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// InflightTurns tracks the number of turns currently being resolved by
	// this process.
	InflightTurns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The upper
// buckets cover slow completions; the lease TTL caps anything beyond.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CompletionDuration, err = m.Float64Histogram("taleturn.completion.duration",
		metric.WithDescription("Latency of the text-completion call per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("taleturn.turn.duration",
		metric.WithDescription("End-to-end turn resolution latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("taleturn.embedding.duration",
		metric.WithDescription("Latency of embedding provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsResolved, err = m.Int64Counter("taleturn.turns.resolved",
		metric.WithDescription("Total resolved turns by status."),
	); err != nil {
		return nil, err
	}
	if met.CASConflicts, err = m.Int64Counter("taleturn.cas.conflicts",
		metric.WithDescription("Total campaign row-version conflicts observed at commit."),
	); err != nil {
		return nil, err
	}
	if met.LeaseDenied, err = m.Int64Counter("taleturn.lease.denied",
		metric.WithDescription("Total turn submissions rejected by a held lease."),
	); err != nil {
		return nil, err
	}
	if met.OutboxDispatched, err = m.Int64Counter("taleturn.outbox.dispatched",
		metric.WithDescription("Total outbox dispatch outcomes by event type and status."),
	); err != nil {
		return nil, err
	}
	if met.TimersFired, err = m.Int64Counter("taleturn.timers.fired",
		metric.WithDescription("Total timers fired by the sweeper."),
	); err != nil {
		return nil, err
	}
	if met.RewindsApplied, err = m.Int64Counter("taleturn.rewinds.applied",
		metric.WithDescription("Total successful campaign rewinds."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("taleturn.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.InflightTurns, err = m.Int64UpDownCounter("taleturn.inflight_turns",
		metric.WithDescription("Number of turns currently being resolved by this process."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("taleturn.http.request.duration",
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

// RecordTurnResolved records a turn resolution outcome.
func (m *Metrics) RecordTurnResolved(ctx context.Context, status string) {
	m.TurnsResolved.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordOutboxDispatch records an outbox dispatch outcome.
func (m *Metrics) RecordOutboxDispatch(ctx context.Context, eventType, status string) {
	m.OutboxDispatched.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
