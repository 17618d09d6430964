package cmd

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"golang.org/x/sync/errgroup"
)

// setupOTelSDK bootstraps tracing and metrics. With no endpoint
// configured it exports to stdout, matching the teacher's fallback for
// local debugging; either way, the caller must invoke the returned
// shutdown for proper cleanup. metricsHandler serves the pull-based
// GET /metrics route of spec.md §4.6.
func setupOTelSDK(ctx context.Context, cmd *cli.Command) (shutdown func(context.Context) error, metricsHandler http.Handler, err error) {
	var shutdownFuncs []func(context.Context) error

	shutdown = func(ctx context.Context) error {
		defer func() { shutdownFuncs = nil }()

		g, ctx := errgroup.WithContext(ctx)
		for _, fn := range shutdownFuncs {
			g.Go(func() error { return fn(ctx) })
		}
		return g.Wait()
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cmd.Root().Name))
	colURL := cmd.String("otel-grpc-endpoint")

	tracerProvider, tErr := newTraceProvider(ctx, colURL, res)
	if tErr != nil {
		handleErr(tErr)
		return
	}
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	promReader, handler, pErr := newPrometheusReader()
	if pErr != nil {
		handleErr(pErr)
		return
	}

	meterProvider, mErr := newMeterProvider(ctx, colURL, res, promReader)
	if mErr != nil {
		handleErr(mErr)
		return
	}
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	return shutdown, handler, nil
}

func newTraceProvider(ctx context.Context, colURL string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	if colURL != "" {
		zerolog.Ctx(ctx).Info().Str("otel-grpc-endpoint", colURL).Msg("setting up tracer provider with gRPC endpoint")
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(colURL))
	} else {
		zerolog.Ctx(ctx).Info().Msg("setting up tracer provider with stdout exporter")
		exporter, err = stdouttrace.New()
	}
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(
	ctx context.Context,
	colURL string,
	res *resource.Resource,
	extraReaders ...sdkmetric.Reader,
) (*sdkmetric.MeterProvider, error) {
	var exporter sdkmetric.Exporter
	var err error

	if colURL != "" {
		zerolog.Ctx(ctx).Info().Str("otel-grpc-endpoint", colURL).Msg("setting up meter provider with gRPC endpoint")
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(colURL))
	} else {
		zerolog.Ctx(ctx).Info().Msg("setting up meter provider with stdout exporter")
		exporter, err = stdoutmetric.New()
	}
	if err != nil {
		return nil, err
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	}
	for _, r := range extraReaders {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	return sdkmetric.NewMeterProvider(opts...), nil
}
