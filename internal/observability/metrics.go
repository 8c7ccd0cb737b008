package observability

import (
	"context"
	"time"

	"github.com/rberketuran/music-generation-backend/internal/job"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the job lifecycle metric instruments.
type Metrics struct {
	transitions      metric.Int64Counter
	pipelineDuration metric.Float64Histogram
	providerCalls    metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with the given MeterProvider.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	var err error

	m.transitions, err = meter.Int64Counter(
		"studio.job.transitions",
		metric.WithDescription("Number of committed job status changes"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		m.transitions, _ = meter.Int64Counter("studio.job.transitions")
	}

	m.pipelineDuration, err = meter.Float64Histogram(
		"studio.conversion.duration",
		metric.WithDescription("Duration of voice conversion pipelines in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.pipelineDuration, _ = meter.Float64Histogram("studio.conversion.duration")
	}

	m.providerCalls, err = meter.Int64Counter(
		"studio.provider.calls",
		metric.WithDescription("Number of calls to the composition provider"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.providerCalls, _ = meter.Int64Counter("studio.provider.calls")
	}

	return m
}

// NewNoopMetrics creates metrics that do nothing.
func NewNoopMetrics() *Metrics {
	return NewMetrics(noop.NewMeterProvider())
}

// Listener returns a job store listener that counts status changes.
func (m *Metrics) Listener() job.Listener {
	return func(_, after job.Record) {
		m.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String(AttrJobKind, string(after.Kind)),
			attribute.String("studio.job.status", string(after.Status)),
		))
	}
}

// RecordPipeline records the duration and outcome of a conversion pipeline.
func (m *Metrics) RecordPipeline(ctx context.Context, status job.Status, duration time.Duration) {
	if m == nil {
		return
	}

	m.pipelineDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.String("studio.job.status", string(status))))
}

// RecordProviderCall counts one provider call and whether it failed.
func (m *Metrics) RecordProviderCall(ctx context.Context, operation string, err error) {
	if m == nil {
		return
	}

	m.providerCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("studio.provider.operation", operation),
		attribute.Bool("studio.provider.error", err != nil),
	))
}
