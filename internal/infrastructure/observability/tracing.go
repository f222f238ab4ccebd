// Package observability installs the OpenTelemetry tracer provider used by
// the event pipeline, the unlock flow and the search client.
package observability

import (
	"context"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/alem-hub/progress-engine/pkg/logger"
)

// TracingConfig selects the exporter. With Enabled false a provider without
// an exporter is installed so spans stay cheap no-ops for export purposes.
type TracingConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	Version      string
	OTLPEndpoint string
	OTLPInsecure bool
	OTLPHeaders  map[string]string
	SampleRatio  float64

	// StdoutWriter receives spans when no OTLP endpoint is set. Nil means
	// spans are discarded.
	StdoutWriter io.Writer
}

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(context.Context) error

// InitTracing installs a global tracer provider and propagator.
// Exporter failures are logged and tracing continues without export.
func InitTracing(ctx context.Context, log *logger.Logger, cfg TracingConfig) ShutdownFunc {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.Component("tracing"))

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "progress-engine"
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", strings.TrimSpace(cfg.Version)),
		attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
	))
	if err != nil {
		log.Warn("otel resource init failed, continuing", logger.Err(err))
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.SampleRatio)))),
		sdktrace.WithResource(res),
	}
	if cfg.Enabled {
		exporter, err := buildExporter(ctx, cfg)
		if err != nil {
			log.Warn("otel exporter init failed, continuing", logger.Err(err))
		} else {
			opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("tracing initialized",
		logger.Bool("export", cfg.Enabled),
		logger.String("service", serviceName),
		logger.String("endpoint", cfg.OTLPEndpoint),
	)
	return tp.Shutdown
}

func buildExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	w := cfg.StdoutWriter
	if w == nil {
		w = io.Discard
	}
	return stdouttrace.New(stdouttrace.WithWriter(w))
}

func clampRatio(r float64) float64 {
	switch {
	case r <= 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}
