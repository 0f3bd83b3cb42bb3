// Package telemetry wires OpenTelemetry OTLP gRPC trace export for ETL runs.
// When disabled, the global no-op provider stays in place and spans cost
// nothing.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// InstrumentationName names the tracer used by ETL components.
const InstrumentationName = "github.com/xdmod/xdmod-etl"

// Config configures the OpenTelemetry OTLP gRPC exporter.
type Config struct {
	// Enabled turns on span export.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC endpoint (e.g., "localhost:4317")
	Endpoint string `yaml:"endpoint"`

	// ServiceName identifies this service in traces
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the version of this service
	ServiceVersion string `yaml:"service_version"`

	// Environment is the deployment environment (e.g., "production", "staging")
	Environment string `yaml:"environment"`

	// Insecure disables TLS for the gRPC connection (use for local dev)
	Insecure bool `yaml:"insecure"`

	// Headers are additional headers to send with each request (e.g., auth tokens)
	Headers map[string]string `yaml:"headers"`

	// BatchTimeout is how long to wait before sending a batch of spans
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// ExportTimeout is the timeout for exporting a batch
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// SamplingRatio is the fraction of traces to sample (0.0 to 1.0)
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// DefaultConfig returns sensible defaults with export disabled.
func DefaultConfig() Config {
	return Config{
		Endpoint:      "localhost:4317",
		ServiceName:   "xdmod-etl",
		Environment:   "development",
		Insecure:      true,
		BatchTimeout:  5 * time.Second,
		ExportTimeout: 30 * time.Second,
		SamplingRatio: 1.0,
	}
}

// Exporter manages the tracer provider lifecycle.
type Exporter struct {
	mu          sync.Mutex
	cfg         Config
	provider    *sdktrace.TracerProvider
	initialized bool
}

// NewExporter creates an exporter. Nothing is dialed until Init.
func NewExporter(cfg Config) *Exporter {
	return &Exporter{cfg: cfg}
}

// Init installs the global tracer provider. With export disabled it returns
// a no-op shutdown.
func (e *Exporter) Init(ctx context.Context) (func(context.Context) error, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if e.initialized {
		return e.shutdown, nil
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(e.cfg.Endpoint),
		otlptracegrpc.WithTimeout(e.cfg.ExportTimeout),
	}
	if e.cfg.Insecure {
		exporterOpts = append(exporterOpts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	if len(e.cfg.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(e.cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(e.cfg.ServiceName),
			semconv.ServiceVersion(e.cfg.ServiceVersion),
			semconv.DeploymentEnvironment(e.cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	e.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(e.cfg.BatchTimeout),
			sdktrace.WithExportTimeout(e.cfg.ExportTimeout),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(e.cfg.SamplingRatio)),
	)

	otel.SetTracerProvider(e.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	e.initialized = true
	return e.shutdown, nil
}

func (e *Exporter) shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil
	}
	e.initialized = false
	return e.provider.Shutdown(ctx)
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// Tracer returns the tracer used by ETL components.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a span on the ETL tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Attr converts a key-value pair to an OTEL attribute.
func Attr(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
