// Package observability provides OpenTelemetry tracing and RED metrics, SLO tracking
// and the slog logger factory used across capkernel.
package observability

import (
	"context"
	"errors"
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
)

const instrumentationName = "capkernel"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // e.g. "localhost:4317"
	SampleRate     float64       `yaml:"sample_rate"`   // 0.0 to 1.0
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	MetricInterval time.Duration `yaml:"metric_interval"`
	Enabled        bool          `yaml:"enabled"`
	Insecure       bool          `yaml:"insecure"` // dev only
}

// DefaultConfig returns defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "capkernel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	slo            *SLOTracker

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// New creates a provider exporting over OTLP gRPC. A disabled config yields a
// provider whose spans and metrics go to the global (no-op by default) providers.
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
	if err := p.installExporters(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "exporting telemetry", "endpoint", config.OTLPEndpoint, "service", config.ServiceName, "sample_rate", config.SampleRate)
	return p, nil
}

// NewWithProviders wires caller-owned SDK providers, e.g. a tracetest recorder.
func NewWithProviders(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config:         DefaultConfig(),
		tracerProvider: tp,
		meterProvider:  mp,
		logger:         slog.Default().With("component", "observability"),
	}
	if tp != nil {
		p.tracer = tp.Tracer(instrumentationName)
	}
	if mp != nil {
		p.meter = mp.Meter(instrumentationName)
		if err := p.initREDMetrics(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Noop returns a provider that records nothing beyond the global providers.
func Noop() *Provider {
	p, _ := New(context.Background(), &Config{})
	return p
}

// WithSLO attaches an SLO tracker fed by TrackOperation.
func (p *Provider) WithSLO(t *SLOTracker) *Provider {
	p.slo = t
	return p
}

// SLO returns the attached tracker, or nil.
func (p *Provider) SLO() *SLOTracker { return p.slo }

// sampler maps SampleRate onto a parent-based sampler so decisions follow the caller.
func (c *Config) sampler() sdktrace.Sampler {
	root := sdktrace.TraceIDRatioBased(c.SampleRate)
	if c.SampleRate >= 1 {
		root = sdktrace.AlwaysSample()
	} else if c.SampleRate <= 0 {
		root = sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(root)
}

// installExporters connects both SDK providers to the OTLP collector at
// config.OTLPEndpoint and registers them globally.
func (p *Provider) installExporters(ctx context.Context, res *resource.Resource) error {
	cfg := p.config
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spanExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("observability: span exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spanExp.Shutdown(ctx)
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithBatcher(spanExp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(interval))),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

// latencyBuckets covers 100µs placement decisions up to second-long calls.
var latencyBuckets = []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

// initREDMetrics creates the rate, error and duration instruments.
func (p *Provider) initREDMetrics() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error
	p.requestCounter, err = p.meter.Int64Counter("capk.operations.total",
		metric.WithDescription("Operations started"), metric.WithUnit("{operation}"))
	collect(err)
	p.errorCounter, err = p.meter.Int64Counter("capk.errors.total",
		metric.WithDescription("Operations that returned an error, by error code"), metric.WithUnit("{error}"))
	collect(err)
	p.durationHist, err = p.meter.Float64Histogram("capk.operation.duration",
		metric.WithDescription("Operation latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	collect(err)
	p.activeOperations, err = p.meter.Int64UpDownCounter("capk.operations.active",
		metric.WithDescription("Operations in flight"), metric.WithUnit("{operation}"))
	collect(err)
	return errors.Join(errs...)
}

// Shutdown flushes pending spans and metrics and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	err := errors.Join(errs...)
	if err != nil {
		p.logger.WarnContext(ctx, "telemetry shutdown incomplete", "error", err)
	}
	return err
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// TrackOperation starts a span and RED accounting for name. The returned function ends
// both and must be called exactly once with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	opAttrs := append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)
	withOp := metric.WithAttributes(opAttrs...)
	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, withOp)
		p.requestCounter.Add(ctx, 1, withOp)
	}

	return ctx, func(err error) {
		elapsed := time.Since(start)
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, withOp)
			p.durationHist.Record(ctx, elapsed.Seconds(), withOp)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(append(opAttrs, AttrErrorCode.String(errorCode(err)))...))
			}
		}
		if p.slo != nil {
			p.slo.Record(SLOObservation{Operation: name, Latency: elapsed, Success: err == nil})
		}
		span.End()
	}
}
