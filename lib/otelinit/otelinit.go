// Package otelinit bootstraps OpenTelemetry tracing and metrics for the
// cvd daemon process.
package otelinit

import (
	"context"
	"fmt"
	goruntime "runtime"
	"time"

	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration, mirrored from cmd/cvd/config.Config
// so this package has no dependency on the daemon's config package.
type Config struct {
	Enabled           bool
	Endpoint          string
	ServiceName       string
	ServiceInstanceID string
	Insecure          bool
	Version           string
	Env               string
}

// Provider holds initialized OTel providers.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	startTime      time.Time
}

// Init initializes OpenTelemetry with the given configuration.
// Returns a shutdown function that should be called on daemon exit.
// If OTel is disabled, or if the exporters cannot be dialed, Init degrades
// to a no-op provider and a nil error: telemetry is never a reason to
// refuse to allocate, lock, or translate instances.
func Init(ctx context.Context, cfg Config) (*Provider, func(context.Context) error, error) {
	noop := func() (*Provider, func(context.Context) error, error) {
		return &Provider{
			Tracer:    otel.Tracer(cfg.ServiceName),
			Meter:     otel.Meter(cfg.ServiceName),
			startTime: time.Now(),
		}, func(context.Context) error { return nil }, nil
	}

	if !cfg.Enabled {
		return noop()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.ServiceInstanceID(cfg.ServiceInstanceID),
			semconv.DeploymentEnvironmentName(cfg.Env),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		p, shutdown, _ := noop()
		return p, shutdown, nil
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		p, shutdown, _ := noop()
		return p, shutdown, nil
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		_ = tracerProvider.Shutdown(ctx)
		_ = meterProvider.Shutdown(ctx)
		p, shutdown, _ := noop()
		return p, shutdown, nil
	}

	provider := &Provider{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(cfg.ServiceName),
		Meter:          meterProvider.Meter(cfg.ServiceName),
		startTime:      time.Now(),
	}

	if err := provider.registerSystemMetrics(cfg); err != nil {
		_ = tracerProvider.Shutdown(ctx)
		_ = meterProvider.Shutdown(ctx)
		return nil, nil, fmt.Errorf("register system metrics: %w", err)
	}

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter: %w", err))
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %v", errs)
		}
		return nil
	}

	return provider, shutdown, nil
}

// registerSystemMetrics registers uptime and build-info gauges.
func (p *Provider) registerSystemMetrics(cfg Config) error {
	uptime, err := p.Meter.Float64ObservableGauge(
		"cvd_uptime_seconds",
		metric.WithDescription("cvd daemon process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create uptime gauge: %w", err)
	}

	info, err := p.Meter.Int64ObservableGauge(
		"cvd_info",
		metric.WithDescription("cvd daemon build information"),
	)
	if err != nil {
		return fmt.Errorf("create info gauge: %w", err)
	}

	_, err = p.Meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveFloat64(uptime, time.Since(p.startTime).Seconds())
			o.ObserveInt64(info, 1,
				metric.WithAttributes(
					semconv.ServiceVersion(cfg.Version),
					semconv.TelemetrySDKLanguageGo,
				),
			)
			return nil
		},
		uptime,
		info,
	)
	if err != nil {
		return fmt.Errorf("register callback: %w", err)
	}

	return nil
}

// TracerFor returns a tracer scoped to the given subsystem name.
func (p *Provider) TracerFor(subsystem string) trace.Tracer {
	if p.TracerProvider != nil {
		return p.TracerProvider.Tracer(subsystem)
	}
	return otel.Tracer(subsystem)
}

// MeterFor returns a meter scoped to the given subsystem name.
func (p *Provider) MeterFor(subsystem string) metric.Meter {
	if p.MeterProvider != nil {
		return p.MeterProvider.Meter(subsystem)
	}
	return otel.Meter(subsystem)
}

// GoVersion returns the Go version used to build the binary.
func GoVersion() string {
	return goruntime.Version()
}
