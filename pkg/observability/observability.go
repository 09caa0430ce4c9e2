// Package observability wires OpenTelemetry tracing and metrics for the
// correlation engine. Metrics follow the RED pattern plus engine-domain
// counters: events folded, events quarantined, stage transitions.
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

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// Config configures the OpenTelemetry providers. An empty OTLPEndpoint
// disables export; the engine still runs, instruments become no-ops.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	BatchTimeout   time.Duration
	Insecure       bool
}

// DefaultConfig returns defaults suitable for local runs.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "crowsnest",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers and the engine's
// instrument set.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventsFolded      metric.Int64Counter
	eventsQuarantined metric.Int64Counter
	transitions       metric.Int64Counter
	batchDuration     metric.Float64Histogram
	activeShards      metric.Int64UpDownCounter
}

// New creates the provider. Export is skipped when no endpoint is set.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if config.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "telemetry export disabled, no endpoint configured")
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
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("crowsnest.engine",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("crowsnest.engine",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint)
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
		return fmt.Errorf("create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
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
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.eventsFolded, err = p.meter.Int64Counter("crowsnest.events.folded",
		metric.WithDescription("Raw events folded into incidents"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.eventsQuarantined, err = p.meter.Int64Counter("crowsnest.events.quarantined",
		metric.WithDescription("Malformed events quarantined"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.transitions, err = p.meter.Int64Counter("crowsnest.stage.transitions",
		metric.WithDescription("Incident stage transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return err
	}
	p.batchDuration, err = p.meter.Float64Histogram("crowsnest.batch.duration",
		metric.WithDescription("Batch processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0))
	if err != nil {
		return err
	}
	p.activeShards, err = p.meter.Int64UpDownCounter("crowsnest.shards.active",
		metric.WithDescription("Shard workers currently draining events"),
		metric.WithUnit("{shard}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the engine tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("crowsnest.engine")
	}
	return p.tracer
}

// StartSpan starts a span on the engine tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordFolded counts one folded event.
func (p *Provider) RecordFolded(ctx context.Context, kind contracts.SensorKind) {
	if p.eventsFolded != nil {
		p.eventsFolded.Add(ctx, 1, metric.WithAttributes(
			attribute.String("sensor.kind", string(kind))))
	}
}

// RecordQuarantined counts one quarantined event.
func (p *Provider) RecordQuarantined(ctx context.Context, kind contracts.SensorKind) {
	if p.eventsQuarantined != nil {
		p.eventsQuarantined.Add(ctx, 1, metric.WithAttributes(
			attribute.String("sensor.kind", string(kind))))
	}
}

// RecordTransition counts one stage transition.
func (p *Provider) RecordTransition(ctx context.Context, from, to contracts.Stage) {
	if p.transitions != nil {
		p.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage.from", string(from)),
			attribute.String("stage.to", string(to))))
	}
}

// RecordBatch records one batch drain duration.
func (p *Provider) RecordBatch(ctx context.Context, d time.Duration) {
	if p.batchDuration != nil {
		p.batchDuration.Record(ctx, d.Seconds())
	}
}

// ShardStarted and ShardFinished bracket one shard worker's drain.
func (p *Provider) ShardStarted(ctx context.Context) {
	if p.activeShards != nil {
		p.activeShards.Add(ctx, 1)
	}
}

func (p *Provider) ShardFinished(ctx context.Context) {
	if p.activeShards != nil {
		p.activeShards.Add(ctx, -1)
	}
}
