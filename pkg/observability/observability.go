// Package observability wires OpenTelemetry tracing and metrics for the
// engine: one span per bundle and counters for every bundle outcome.
//
// Telemetry never feeds back into a bundle. Durations use the wall clock and
// are exported only.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
)

const instrumentationName = "github.com/Mindburn-Labs/certledger"

// Config configures the OpenTelemetry providers.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	Insecure       bool          `yaml:"insecure"`
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
}

// DefaultConfig returns disabled telemetry with local collector defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "certledger",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Outcome classifies how a bundle ended.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeHalted    Outcome = "halted"
	OutcomeStale     Outcome = "stale"
	OutcomeRefused   Outcome = "refused"
)

// Provider owns the trace and metric providers and the engine instruments.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	committed metric.Int64Counter
	halted    metric.Int64Counter
	stale     metric.Int64Counter
	refused   metric.Int64Counter
	entries   metric.Int64Histogram
	duration  metric.Float64Histogram
}

// New builds a provider. A disabled config yields no-op instruments.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	logger := slog.Default().With("component", "observability")
	if !cfg.Enabled {
		logger.InfoContext(ctx, "observability disabled")
		return newProvider(nil, nil, logger)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := newProvider(tp, mp, logger)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds a provider on caller-owned SDK providers. Either
// may be nil.
func NewWithProviders(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) (*Provider, error) {
	return newProvider(tp, mp, slog.Default().With("component", "observability"))
}

func newProvider(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider, logger *slog.Logger) (*Provider, error) {
	p := &Provider{tracerProvider: tp, meterProvider: mp, logger: logger}

	if tp != nil {
		p.tracer = tp.Tracer(instrumentationName)
	} else {
		p.tracer = otel.Tracer(instrumentationName)
	}
	var meter metric.Meter
	if mp != nil {
		meter = mp.Meter(instrumentationName)
	} else {
		meter = otel.Meter(instrumentationName)
	}

	var err error
	if p.committed, err = meter.Int64Counter("certledger.bundles.committed",
		metric.WithDescription("Bundles committed and sealed"), metric.WithUnit("{bundle}")); err != nil {
		return nil, err
	}
	if p.halted, err = meter.Int64Counter("certledger.bundles.halted",
		metric.WithDescription("Bundles that halted the execution context"), metric.WithUnit("{bundle}")); err != nil {
		return nil, err
	}
	if p.stale, err = meter.Int64Counter("certledger.bundles.stale",
		metric.WithDescription("Bundles that lost the commit race"), metric.WithUnit("{bundle}")); err != nil {
		return nil, err
	}
	if p.refused, err = meter.Int64Counter("certledger.bundles.refused",
		metric.WithDescription("Bundles refused by an already halted context"), metric.WithUnit("{bundle}")); err != nil {
		return nil, err
	}
	if p.entries, err = meter.Int64Histogram("certledger.oplog.entries",
		metric.WithDescription("Operation log entries per bundle"), metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if p.duration, err = meter.Float64Histogram("certledger.bundle.duration",
		metric.WithDescription("Bundle processing time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return p, nil
}

// Shutdown flushes and stops the SDK providers.
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

// Result is what a finished bundle reports.
type Result struct {
	Outcome    Outcome
	Code       errcodes.Code
	LogEntries int
	Err        error
}

// TrackBundle starts the span of one bundle and returns the function that
// ends it.
func (p *Provider) TrackBundle(ctx context.Context, sequence uint64) (context.Context, func(Result)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "certledger.bundle",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int64("certledger.packet.sequence", int64(sequence))),
	)
	return ctx, func(r Result) {
		attrs := []attribute.KeyValue{attribute.String("certledger.outcome", string(r.Outcome))}
		if r.Code != 0 {
			attrs = append(attrs,
				attribute.String("certledger.code", r.Code.String()),
				attribute.String("certledger.category", string(r.Code.Category())),
			)
		}
		opt := metric.WithAttributes(attrs...)

		switch r.Outcome {
		case OutcomeCommitted:
			p.committed.Add(ctx, 1, opt)
		case OutcomeHalted:
			p.halted.Add(ctx, 1, opt)
		case OutcomeStale:
			p.stale.Add(ctx, 1, opt)
		case OutcomeRefused:
			p.refused.Add(ctx, 1, opt)
		}
		p.entries.Record(ctx, int64(r.LogEntries), opt)
		p.duration.Record(ctx, time.Since(start).Seconds(), opt)

		span.SetAttributes(attrs...)
		span.SetAttributes(attribute.Int("certledger.oplog.entries", r.LogEntries))
		if r.Err != nil {
			span.RecordError(r.Err)
			span.SetStatus(codes.Error, r.Err.Error())
		}
		span.End()
	}
}
