// Package telemetry wires OpenTelemetry metrics and tracing.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/example/chatterbox-api"

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Metrics enables the Prometheus exporter and MetricsHandler.
	Metrics      bool
	OTLPEndpoint string
	OTLPInsecure bool
	TraceStdout  bool
}

// Providers holds the configured meter and tracer.
type Providers struct {
	Meter  metric.Meter
	Tracer trace.Tracer
	// MetricsHandler serves the Prometheus exposition format. It is nil when
	// metrics are disabled.
	MetricsHandler http.Handler

	shutdown []func(context.Context) error
}

func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Providers, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	name := cfg.ServiceName
	if name == "" {
		name = "chatterbox-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	p := &Providers{}

	tp, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	p.Tracer = tp.Tracer(instrumentationName)
	p.shutdown = append(p.shutdown, tp.Shutdown)

	if !cfg.Metrics {
		p.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
		return p, nil
	}

	// A private registry keeps repeated Setup calls from colliding on the
	// global one.
	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	p.Meter = mp.Meter(instrumentationName)
	p.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	p.shutdown = append(p.shutdown, mp.Shutdown)
	logger.Info("metrics initialized", slog.String("exporter", "prometheus"))
	return p, nil
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("tracing initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}

	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		logger.Info("tracing initialized", slog.String("exporter", "stdout"))
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}

	return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
}

// Shutdown flushes and stops every provider.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}
