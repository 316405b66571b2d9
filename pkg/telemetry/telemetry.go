// Package telemetry installs the OpenTelemetry trace pipeline for a
// governance process. Every package in this module creates its spans from
// the global tracer provider, so a process calls [Setup] once at startup
// and the returned [Provider]'s Shutdown before exit.
//
//	p, err := telemetry.Setup(ctx, cfg.Telemetry, "governor")
//	if err != nil { ... }
//	defer p.Shutdown(context.Background())
package telemetry

import (
	"context"
	"crypto/tls"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"

	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

// Exporter selects where spans are sent.
type Exporter string

const (
	ExporterNone     Exporter = "none"
	ExporterStdout   Exporter = "stdout"
	ExporterOTLPGRPC Exporter = "otlpgrpc"
	ExporterOTLPHTTP Exporter = "otlphttp"
)

// Sampler selects which traces are recorded. Every sampler respects the
// parent span's decision.
type Sampler string

const (
	SamplerAlwaysOn  Sampler = "always_on"
	SamplerAlwaysOff Sampler = "always_off"
	SamplerRatio     Sampler = "ratio"
)

// Default collector endpoints.
const (
	DefaultGRPCEndpoint = "localhost:4317"
	DefaultHTTPEndpoint = "http://localhost:4318"
)

// Config configures the trace pipeline.
type Config struct {
	Exporter Exporter `json:"exporter" yaml:"exporter" env:"EXPORTER" envDefault:"none"`

	// Endpoint is the collector address. It defaults per exporter.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint" env:"ENDPOINT"`

	// Insecure disables TLS to the collector.
	Insecure bool `json:"insecure" yaml:"insecure" env:"INSECURE" envDefault:"true"`

	// Headers are sent with every export, as key=value pairs.
	Headers []string `json:"-" yaml:"headers" env:"HEADERS"`

	Sampler     Sampler `json:"sampler" yaml:"sampler" env:"SAMPLER" envDefault:"always_on"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" env:"SAMPLE_RATIO" envDefault:"1"`

	// Environment is recorded on every span as deployment.environment.
	Environment string `json:"environment,omitempty" yaml:"environment" env:"ENVIRONMENT"`
}

// Validate reports an unknown exporter or sampler, a ratio outside [0, 1],
// or a malformed header.
func (c *Config) Validate() error {
	switch c.Exporter {
	case "", ExporterNone, ExporterStdout, ExporterOTLPGRPC, ExporterOTLPHTTP:
	default:
		return sserr.Newf(sserr.CodeValidation, "telemetry: unknown exporter %q", c.Exporter)
	}
	switch c.Sampler {
	case "", SamplerAlwaysOn, SamplerAlwaysOff, SamplerRatio:
	default:
		return sserr.Newf(sserr.CodeValidation, "telemetry: unknown sampler %q", c.Sampler)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return sserr.Newf(sserr.CodeValidation, "telemetry: sample_ratio must be within [0, 1], got %g", c.SampleRatio)
	}
	if _, err := parseHeaders(c.Headers); err != nil {
		return err
	}
	return nil
}

// Provider is an installed trace pipeline.
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(context.Context) error
}

// TracerProvider returns the installed provider.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tp }

// Shutdown flushes buffered spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.shutdown(ctx); err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "telemetry: failed to shut down tracer provider")
	}
	return nil
}

// Option configures [Setup].
type Option func(*options)

type options struct {
	writer io.Writer
	global bool
}

// WithWriter sends stdout exporter output to w instead of os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithoutGlobal leaves the global tracer provider and propagator untouched.
func WithoutGlobal() Option {
	return func(o *options) { o.global = false }
}

// Setup builds the trace pipeline described by cfg for serviceName and,
// unless [WithoutGlobal] is given, installs it as the global tracer
// provider along with W3C trace-context and baggage propagation. With
// ExporterNone a no-op provider is installed.
func Setup(ctx context.Context, cfg Config, serviceName string, opts ...Option) (*Provider, error) {
	o := options{writer: os.Stdout, global: true}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		p := &Provider{
			tp:       noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
		}
		if o.global {
			otel.SetTracerProvider(p.tp)
		}
		return p, nil
	}

	exp, err := newExporter(ctx, cfg, o.writer)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeUnavailableDependency, "telemetry: failed to create %s exporter", cfg.Exporter)
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "telemetry: failed to build resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(newSampler(cfg)),
		sdktrace.WithResource(res),
	)
	if o.global {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}
	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

func newExporter(ctx context.Context, cfg Config, w io.Writer) (sdktrace.SpanExporter, error) {
	headers, err := parseHeaders(cfg.Headers)
	if err != nil {
		return nil, err
	}
	switch cfg.Exporter {
	case ExporterOTLPGRPC:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultGRPCEndpoint
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if len(headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultHTTPEndpoint
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if len(headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return stdouttrace.New(stdouttrace.WithWriter(w))
	}
}

func newSampler(cfg Config) sdktrace.Sampler {
	switch cfg.Sampler {
	case SamplerAlwaysOff:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case SamplerRatio:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

func parseHeaders(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, sserr.Newf(sserr.CodeValidation, "telemetry: header %q must be key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
