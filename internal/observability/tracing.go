// Package observability provides tracing, metrics and Server-Timing helpers for the studio service.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation name for tracing.
	TracerName = "github.com/rberketuran/music-generation-backend"
	// MeterName is the instrumentation name for metrics.
	MeterName = "github.com/rberketuran/music-generation-backend"
)

// Span attribute keys.
const (
	AttrJobID    = "studio.job.id"
	AttrJobKind  = "studio.job.kind"
	AttrHandle   = "studio.provider.handle"
	AttrF0Method = "studio.conversion.f0_method"
)

// Tracer wraps an OpenTelemetry tracer.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the given TracerProvider.
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// NewNoopTracer creates a tracer that does nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: tracenoop.NewTracerProvider().Tracer("")}
}

// StartSpan starts a new span with the given name and attributes.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return NewNoopTracer().StartSpan(ctx, name, attrs...)
	}

	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// JobAttrs returns the attributes identifying a job.
func JobAttrs(id, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrJobID, id),
		attribute.String(AttrJobKind, kind),
	}
}

// RecordError records err on span and marks it failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
