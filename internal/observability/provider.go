package observability

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/llm-audit-ledger/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Providers holds the process telemetry pipeline
type Providers struct {
	// Meter creates instruments. A no-op meter when metrics are disabled.
	Meter metric.Meter

	// Reader collects current metric values; nil when metrics are disabled.
	Reader *sdkmetric.ManualReader

	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
}

// Setup initialises metrics and, when enabled, OTLP tracing for the service.
// The caller must Shutdown the returned providers.
func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Providers, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	p := &Providers{Meter: noop.NewMeterProvider().Meter(MeterName)}

	if cfg.MetricsEnabled {
		p.Reader = sdkmetric.NewManualReader()
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(p.Reader),
			sdkmetric.WithResource(res),
		)
		p.Meter = p.meterProvider.Meter(MeterName)
	}

	if cfg.TracingEnabled && cfg.TracingEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(cfg.TracingEndpoint),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}

		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TracingSampleRate))),
		)

		otel.SetTracerProvider(p.tracerProvider)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	}

	return p, nil
}

// Shutdown flushes and stops the providers
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
