// Package observability provides OpenTelemetry-based observability for the
// deliberation pipeline: OTLP trace export and RED-pattern metrics over
// deliberation lifecycle events.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g., "localhost:4317" for gRPC
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "concord",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages trace and metric providers plus the pipeline's metric
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	deliberationsStarted metric.Int64Counter
	deliberationsEnded   metric.Int64Counter
	violations           metric.Int64Counter
	phaseDuration        metric.Float64Histogram
	sealDuration         metric.Float64Histogram
}

// New creates an observability provider. With Enabled false it is inert
// but still usable, so call sites never nil-check.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		p.tracer = otel.Tracer("concord")
		p.meter = otel.Meter("concord")
		return p, p.initInstruments()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = otel.Tracer("concord", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("concord")
	return p, p.initInstruments()
}

func (p *Provider) initInstruments() error {
	var err error
	if p.deliberationsStarted, err = p.meter.Int64Counter(
		"concord.deliberations.started",
		metric.WithDescription("Deliberations started"),
	); err != nil {
		return err
	}
	if p.deliberationsEnded, err = p.meter.Int64Counter(
		"concord.deliberations.ended",
		metric.WithDescription("Deliberations reaching a terminal status, by status"),
	); err != nil {
		return err
	}
	if p.violations, err = p.meter.Int64Counter(
		"concord.policy.violations",
		metric.WithDescription("Policy violations recorded, by action"),
	); err != nil {
		return err
	}
	if p.phaseDuration, err = p.meter.Float64Histogram(
		"concord.phase.duration",
		metric.WithDescription("Phase duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	if p.sealDuration, err = p.meter.Float64Histogram(
		"concord.seal.duration",
		metric.WithDescription("Sealing pipeline duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	return nil
}

// Tracer returns the service tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// RecordStart counts a started deliberation.
func (p *Provider) RecordStart(ctx context.Context) {
	p.deliberationsStarted.Add(ctx, 1)
}

// RecordEnd counts a terminal deliberation by status.
func (p *Provider) RecordEnd(ctx context.Context, status string) {
	p.deliberationsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordViolation counts a policy violation by action.
func (p *Provider) RecordViolation(ctx context.Context, action string) {
	p.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordPhase records a phase duration.
func (p *Provider) RecordPhase(ctx context.Context, phase string, d time.Duration) {
	p.phaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordSeal records a sealing duration.
func (p *Provider) RecordSeal(ctx context.Context, d time.Duration) {
	p.sealDuration.Record(ctx, d.Seconds())
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}
