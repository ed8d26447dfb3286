// Package observability builds the process logger and the OpenTelemetry
// tracer and meter used by the gate chain and the reliability substrate.
//
// Telemetry is advisory. The audit log is the record of what happened; nothing
// here is consulted by a decision.
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

const instrumentationName = "exoarmur.core"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns a disabled configuration pointing at a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "exoarmur-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric providers and the instruments
// components record into. A nil *Provider is valid and records nothing.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	decisions  metric.Int64Counter
	rejections metric.Int64Counter
	attempts   metric.Float64Histogram
}

// New creates a provider. When config.Enabled is false the global no-op
// providers are used and nothing is exported.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		if err := p.initInstruments(); err != nil {
			return nil, err
		}
		return p, nil
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
		return nil, fmt.Errorf("observability: resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithReader builds a provider whose metrics go to reader and whose spans
// are dropped. Globals are left untouched.
func NewWithReader(reader sdkmetric.Reader) (*Provider, error) {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p := &Provider{
		config:        DefaultConfig(),
		meterProvider: mp,
		meter:         mp.Meter(instrumentationName),
		logger:        slog.Default().With("component", "observability"),
	}
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	m := p.Meter()

	p.decisions, err = m.Int64Counter("exoarmur.gate.decisions",
		metric.WithDescription("Gate chain verdicts by decision and reason code"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return fmt.Errorf("observability: decisions counter: %w", err)
	}

	p.rejections, err = m.Int64Counter("exoarmur.substrate.rejections",
		metric.WithDescription("Calls rejected by the reliability substrate"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return fmt.Errorf("observability: rejections counter: %w", err)
	}

	p.attempts, err = m.Float64Histogram("exoarmur.attempt.duration",
		metric.WithDescription("Duration of guarded attempts"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return fmt.Errorf("observability: attempt histogram: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
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

// Tracer returns the configured tracer, or the global one.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter, or the global one.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a span named name.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// RecordDecision counts one gate chain verdict.
func (p *Provider) RecordDecision(ctx context.Context, tenantID, decision, reason string) {
	if p == nil || p.decisions == nil {
		return
	}
	p.decisions.Add(ctx, 1, metric.WithAttributes(DecisionAttributes(tenantID, decision, reason)...))
}

// RecordRejection counts one substrate rejection of the given kind.
func (p *Provider) RecordRejection(ctx context.Context, operation, kind string) {
	if p == nil || p.rejections == nil {
		return
	}
	p.rejections.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(operation),
		AttrRejection.String(kind),
	))
}

// RecordAttempt records one guarded attempt.
func (p *Provider) RecordAttempt(ctx context.Context, operation, outcome string, d time.Duration) {
	if p == nil || p.attempts == nil {
		return
	}
	p.attempts.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrOperation.String(operation),
		AttrOutcome.String(outcome),
	))
}
