package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names accepted by NewProviders.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

const attrServiceName = "service.name"

// ErrUnknownExporter indicates an exporter name NewProviders does not support.
var ErrUnknownExporter = errors.New("unknown telemetry exporter")

// ProvidersConfig configures the SDK trace and meter providers.
type ProvidersConfig struct {
	Exporter       string
	ServiceName    string
	ExportInterval time.Duration
	// Writer receives stdout exporter output. Nil means os.Stdout.
	Writer io.Writer
	// Readers are registered with the meter provider in addition to the exporter's.
	Readers []sdkmetric.Reader
}

// Providers owns the SDK trace and meter providers of the process.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// NewProviders builds SDK providers that export through cfg.Exporter. With the
// none exporter spans and metrics are still recorded but only extra Readers see them.
func NewProviders(cfg ProvidersConfig) (*Providers, error) {
	res := resource.NewSchemaless(attribute.String(attrServiceName, cfg.ServiceName))

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	switch cfg.Exporter {
	case ExporterNone, "":
	case ExporterStdout:
		writer := cfg.Writer
		if writer == nil {
			writer = os.Stdout
		}

		spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(writer))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout span exporter: %w", err)
		}

		metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(writer))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}

		var readerOpts []sdkmetric.PeriodicReaderOption
		if cfg.ExportInterval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.ExportInterval))
		}

		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, readerOpts...)))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.Exporter)
	}

	for _, reader := range cfg.Readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
	}

	return &Providers{
		TracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		MeterProvider:  sdkmetric.NewMeterProvider(meterOpts...),
	}, nil
}

// InstallGlobal makes the providers the otel globals.
func (p *Providers) InstallGlobal() {
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
}

// Tracer returns a Tracer backed by the SDK trace provider.
func (p *Providers) Tracer() *Tracer {
	return NewTracer(p.TracerProvider)
}

// Metrics returns the job metric instruments backed by the SDK meter provider.
func (p *Providers) Metrics() *Metrics {
	return NewMetrics(p.MeterProvider)
}

// Shutdown flushes pending telemetry and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(p.TracerProvider.Shutdown(ctx), p.MeterProvider.Shutdown(ctx))
}
