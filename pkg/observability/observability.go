// Package observability provides OpenTelemetry tracing and metrics for
// the delegation control plane: admission counters, per-gate block
// counters, an active-contract gauge, and an admission latency
// histogram, all exported over OTLP gRPC.
//
// Telemetry is best-effort. Export failures are logged and never
// surfaced to callers; a disabled provider is a no-op.
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

const instrumentationName = "covenant.control-plane"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0, default 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // plaintext connection (dev only)
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "covenant",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages the OpenTelemetry trace and metric providers plus
// the control-plane instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	admissions      metric.Int64Counter
	admissionBlocks metric.Int64Counter
	activeContracts metric.Int64UpDownCounter
	admissionTime   metric.Float64Histogram
}

// New creates a new observability provider. When cfg.Enabled is false
// (or cfg is nil and the default is disabled) the provider is inert and
// every method is a safe no-op.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("covenant.component", "control-plane"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(cfg.ServiceVersion),
	)
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(cfg.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.admissions, err = p.meter.Int64Counter("covenant.admissions",
		metric.WithDescription("Delegation admission attempts"),
		metric.WithUnit("{admission}"),
	)
	if err != nil {
		return err
	}

	p.admissionBlocks, err = p.meter.Int64Counter("covenant.admission.blocks",
		metric.WithDescription("Delegation admissions blocked, by gate"),
		metric.WithUnit("{admission}"),
	)
	if err != nil {
		return err
	}

	p.activeContracts, err = p.meter.Int64UpDownCounter("covenant.contracts.active",
		metric.WithDescription("Delegation contracts currently active"),
		metric.WithUnit("{contract}"),
	)
	if err != nil {
		return err
	}

	p.admissionTime, err = p.meter.Float64Histogram("covenant.admission.duration",
		metric.WithDescription("Admission pipeline duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordAdmission counts an admission attempt.
func (p *Provider) RecordAdmission(ctx context.Context, attrs ...attribute.KeyValue) {
	if p == nil || p.admissions == nil {
		return
	}
	p.admissions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBlock counts an admission rejected by the named gate.
func (p *Provider) RecordBlock(ctx context.Context, gate string, attrs ...attribute.KeyValue) {
	if p == nil || p.admissionBlocks == nil {
		return
	}
	all := append(attrs, attribute.String("covenant.gate", gate))
	p.admissionBlocks.Add(ctx, 1, metric.WithAttributes(all...))
}

// ContractActivated bumps the active-contract gauge.
func (p *Provider) ContractActivated(ctx context.Context, attrs ...attribute.KeyValue) {
	if p == nil || p.activeContracts == nil {
		return
	}
	p.activeContracts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ContractSettled decrements the active-contract gauge when a contract
// leaves the active state.
func (p *Provider) ContractSettled(ctx context.Context, attrs ...attribute.KeyValue) {
	if p == nil || p.activeContracts == nil {
		return
	}
	p.activeContracts.Add(ctx, -1, metric.WithAttributes(attrs...))
}

// RecordAdmissionDuration records how long the admission pipeline took.
func (p *Provider) RecordAdmissionDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p == nil || p.admissionTime == nil {
		return
	}
	p.admissionTime.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// TrackAdmission opens a span and times the admission pipeline.
// The returned finish func records the duration, counts the attempt,
// and when err names a gate rejection counts the block as well.
func (p *Provider) TrackAdmission(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, "covenant.admission",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	return ctx, func(err error) {
		p.RecordAdmission(ctx, attrs...)
		p.RecordAdmissionDuration(ctx, time.Since(start), attrs...)
		if err != nil {
			span.RecordError(err)
			p.RecordBlock(ctx, GateForError(err), attrs...)
		}
		span.End()
	}
}
