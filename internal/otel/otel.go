// Package otel provides optional OpenTelemetry metrics and tracing for the
// simulator. Disabled by default; when enabled it exports a publish-latency
// histogram, publish/error counters, an active-device gauge, and per-device
// connection-session spans.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExporterType selects how telemetry leaves the process.
type ExporterType string

const (
	// ExporterNone disables instrumentation (no-op providers).
	ExporterNone ExporterType = "none"
	// ExporterStdout prints telemetry to stdout, useful for debugging.
	ExporterStdout ExporterType = "stdout"
	// ExporterOTLPGRPC exports via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP exports via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// Config holds the instrumentation settings.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	ShardID        string
}

// DefaultConfig returns a configuration with instrumentation disabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		ServiceName:  "mqttdrill",
		ExporterType: ExporterNone,
	}
}

// Telemetry bundles the meter provider, tracer provider, and the simulator
// instruments. All methods are safe on a nil receiver, so call sites never
// need to branch on whether instrumentation is configured.
type Telemetry struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	traceProvider trace.TracerProvider
	tracer        trace.Tracer
	shutdownFns   []func(context.Context) error

	publishLatency metric.Float64Histogram
	publishCount   metric.Int64Counter
	errorCount     metric.Int64Counter
	activeDevices  metric.Int64UpDownCounter
	reconnects     metric.Int64Counter
}

// Setup builds the telemetry pipeline from cfg. With instrumentation
// disabled it returns a no-op instance that costs nothing on the hot path.
func Setup(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	t := &Telemetry{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		t.meterProvider = sdkmetric.NewMeterProvider()
		t.traceProvider = noop.NewTracerProvider()
		t.tracer = t.traceProvider.Tracer(cfg.ServiceName)
		if err := t.registerInstruments(); err != nil {
			return nil, err
		}
		return t, nil
	}

	res, err := t.buildResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	metricExporter, err := t.createMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	t.shutdownFns = append(t.shutdownFns, t.meterProvider.Shutdown)

	traceExporter, err := t.createTraceExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	t.traceProvider = tp
	t.tracer = tp.Tracer(cfg.ServiceName)
	t.shutdownFns = append(t.shutdownFns, tp.Shutdown)

	if err := t.registerInstruments(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) buildResource(cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.ShardID != "" {
		attrs = append(attrs, attribute.String("mqttdrill.shard_id", cfg.ShardID))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

func (t *Telemetry) createMetricExporter(ctx context.Context, cfg *Config) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (t *Telemetry) createTraceExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New()
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (t *Telemetry) registerInstruments() error {
	meter := t.meterProvider.Meter(t.config.ServiceName)

	var err error
	if t.publishLatency, err = meter.Float64Histogram(
		"mqttdrill.publish.latency",
		metric.WithDescription("MQTT publish round-trip latency"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	if t.publishCount, err = meter.Int64Counter(
		"mqttdrill.publish.total",
		metric.WithDescription("Total publish attempts"),
	); err != nil {
		return err
	}
	if t.errorCount, err = meter.Int64Counter(
		"mqttdrill.errors.total",
		metric.WithDescription("Total failed publishes"),
	); err != nil {
		return err
	}
	if t.activeDevices, err = meter.Int64UpDownCounter(
		"mqttdrill.devices.active",
		metric.WithDescription("Currently connected simulated devices"),
	); err != nil {
		return err
	}
	if t.reconnects, err = meter.Int64Counter(
		"mqttdrill.devices.reconnects",
		metric.WithDescription("Reconnect attempts after failed sessions"),
	); err != nil {
		return err
	}
	return nil
}

// RecordPublish records one publish attempt.
func (t *Telemetry) RecordPublish(ctx context.Context, deviceID string, latencySeconds float64, ok bool) {
	if t == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("device_id", deviceID),
		attribute.Bool("ok", ok),
	)
	t.publishLatency.Record(ctx, latencySeconds, attrs)
	t.publishCount.Add(ctx, 1, attrs)
	if !ok {
		t.errorCount.Add(ctx, 1, attrs)
	}
}

// AddActiveDevices adjusts the active-device gauge by delta.
func (t *Telemetry) AddActiveDevices(ctx context.Context, delta int64) {
	if t == nil {
		return
	}
	t.activeDevices.Add(ctx, delta)
}

// RecordReconnect counts a reconnect attempt for a device.
func (t *Telemetry) RecordReconnect(ctx context.Context, deviceID string) {
	if t == nil {
		return
	}
	t.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("device_id", deviceID)))
}

// StartSession opens a span covering one device connection session. On a
// nil receiver the returned span is a no-op.
func (t *Telemetry) StartSession(ctx context.Context, deviceID string) (context.Context, trace.Span) {
	if t == nil {
		return trace.ContextWithSpan(ctx, noopSpan()), noopSpan()
	}
	return t.tracer.Start(ctx, "device.session",
		trace.WithAttributes(attribute.String("device_id", deviceID)))
}

func noopSpan() trace.Span {
	return trace.SpanFromContext(context.Background())
}

// Shutdown flushes and stops the exporters.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var first error
	for _, fn := range t.shutdownFns {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
