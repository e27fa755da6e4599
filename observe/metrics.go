package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records page cache and object store measurements.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly; recording never blocks on export.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordOperation records a traced operation with duration and error status.
	RecordOperation(ctx context.Context, op Operation, d time.Duration, err error)

	// RecordLookup counts a full-page cache lookup.
	RecordLookup(ctx context.Context, hit bool)

	// RecordStore counts a page written to the cache.
	RecordStore(ctx context.Context, tag string)

	// RecordBypass counts a request for which caching was disabled.
	RecordBypass(ctx context.Context, reason string)

	// RecordInvalidation counts entries removed by a tag invalidation.
	RecordInvalidation(ctx context.Context, tag string, removed int)

	// RecordBackendError counts a cache backend failure.
	RecordBackendError(ctx context.Context, backend, op string)

	// RecordSave records an object save with duration and error status.
	RecordSave(ctx context.Context, classID string, d time.Duration, err error)

	// RecordValidationFailure counts a rejected save and its failing fields.
	RecordValidationFailure(ctx context.Context, classID string, fields int)
}

// Instrument names.
const (
	MetricOperations         = "pagecache.operations"
	MetricOperationDuration  = "pagecache.operation.duration_ms"
	MetricLookups            = "pagecache.lookups"
	MetricStores             = "pagecache.stores"
	MetricBypass             = "pagecache.bypass"
	MetricInvalidations      = "pagecache.invalidations"
	MetricBackendErrors      = "pagecache.backend.errors"
	MetricSaves              = "objectstore.saves"
	MetricSaveDuration       = "objectstore.save.duration_ms"
	MetricValidationFailures = "objectstore.validation.failures"
)

type otelMetrics struct {
	operations    metric.Int64Counter
	opDuration    metric.Float64Histogram
	lookups       metric.Int64Counter
	stores        metric.Int64Counter
	bypass        metric.Int64Counter
	invalidations metric.Int64Counter
	backendErrors metric.Int64Counter
	saves         metric.Int64Counter
	saveDuration  metric.Float64Histogram
	validation    metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	m := &otelMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.operations, MetricOperations, "Total number of traced operations", "{call}"},
		{&m.lookups, MetricLookups, "Full-page cache lookups by result", "{lookup}"},
		{&m.stores, MetricStores, "Pages written to the cache", "{page}"},
		{&m.bypass, MetricBypass, "Requests served without the page cache, by reason", "{request}"},
		{&m.invalidations, MetricInvalidations, "Entries removed by tag invalidation", "{entry}"},
		{&m.backendErrors, MetricBackendErrors, "Cache backend failures", "{error}"},
		{&m.saves, MetricSaves, "Object saves by outcome", "{save}"},
		{&m.validation, MetricValidationFailures, "Saves rejected by field validation", "{save}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	m.opDuration, err = meter.Float64Histogram(
		MetricOperationDuration,
		metric.WithDescription("Operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.saveDuration, err = meter.Float64Histogram(
		MetricSaveDuration,
		metric.WithDescription("Object save duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

func (m *otelMetrics) RecordOperation(ctx context.Context, op Operation, d time.Duration, err error) {
	opt := metric.WithAttributes(
		attribute.String("op.component", op.Component),
		attribute.String("op.name", op.Name),
		outcome(err),
	)
	m.operations.Add(ctx, 1, opt)
	m.opDuration.Record(ctx, float64(d.Microseconds())/1000, opt)
}

func (m *otelMetrics) RecordLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *otelMetrics) RecordStore(ctx context.Context, tag string) {
	m.stores.Add(ctx, 1, metric.WithAttributes(attribute.String("tag", tag)))
}

func (m *otelMetrics) RecordBypass(ctx context.Context, reason string) {
	m.bypass.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *otelMetrics) RecordInvalidation(ctx context.Context, tag string, removed int) {
	m.invalidations.Add(ctx, int64(removed), metric.WithAttributes(attribute.String("tag", tag)))
}

func (m *otelMetrics) RecordBackendError(ctx context.Context, backend, op string) {
	m.backendErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
	))
}

func (m *otelMetrics) RecordSave(ctx context.Context, classID string, d time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("class", classID), outcome(err))
	m.saves.Add(ctx, 1, opt)
	m.saveDuration.Record(ctx, float64(d.Microseconds())/1000, opt)
}

func (m *otelMetrics) RecordValidationFailure(ctx context.Context, classID string, fields int) {
	m.validation.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", classID),
		attribute.Int("fields", fields),
	))
}

type nopMetrics struct{}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) RecordOperation(context.Context, Operation, time.Duration, error) {}
func (nopMetrics) RecordLookup(context.Context, bool)                               {}
func (nopMetrics) RecordStore(context.Context, string)                              {}
func (nopMetrics) RecordBypass(context.Context, string)                             {}
func (nopMetrics) RecordInvalidation(context.Context, string, int)                  {}
func (nopMetrics) RecordBackendError(context.Context, string, string)               {}
func (nopMetrics) RecordSave(context.Context, string, time.Duration, error)         {}
func (nopMetrics) RecordValidationFailure(context.Context, string, int)             {}

// MetricsOrNop returns m, or a no-op recorder when m is nil.
func MetricsOrNop(m Metrics) Metrics {
	if m == nil {
		return NopMetrics()
	}
	return m
}
