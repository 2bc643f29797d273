package app

import (
	"context"
	"net/http"

	"github.com/nuetzliches/queuestash/internal/config"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func tracingExporterOptions(t config.TracingConfig) []otlptracehttp.Option {
	opts := make([]otlptracehttp.Option, 0, 6)
	if t.Collector != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(t.Collector))
	}
	if t.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(t.URLPath))
	}
	switch t.Compression {
	case "gzip":
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	case "none":
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.NoCompression))
	}
	if t.TimeoutSet {
		opts = append(opts, otlptracehttp.WithTimeout(t.Timeout))
	}
	if len(t.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(t.Headers))
	}
	if t.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

// initTracing installs a global OTLP/HTTP tracer provider. The returned
// func flushes and stops it.
func initTracing(ctx context.Context, t config.TracingConfig, onError func(error)) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx, tracingExporterOptions(t)...)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("queuestash"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	if onError != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			onError(err)
		}))
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func wrapTracingHandler(enabled bool, name string, h http.Handler) http.Handler {
	if !enabled {
		return h
	}
	return otelhttp.NewHandler(h, name)
}
