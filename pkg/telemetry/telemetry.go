// Package telemetry sets up OpenTelemetry metrics and tracing for a node:
// metrics are exported through a Prometheus registry, traces are sampled by
// ratio.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds all the configuration for the telemetry system.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	// MetricsAddr is where /metrics is served, e.g. ":9464". Empty leaves
	// serving to the caller through Telemetry.MetricsHandler.
	MetricsAddr string `yaml:"metrics_addr"`
	// TraceSampleRatio is the fraction of traces to sample. Values outside
	// (0, 1] mean always sample.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	// SetGlobal installs the providers as the otel globals.
	SetGlobal bool `yaml:"set_global"`
}

// Telemetry represents the active telemetry components.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	registry *prometheus.Registry
	server   *http.Server
}

// ShutdownFunc flushes and stops the telemetry providers.
type ShutdownFunc func(ctx context.Context) error

// MetricsHandler serves the Prometheus exposition of every otel instrument
// created from Meter. It is nil when telemetry is disabled.
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// New initializes the OpenTelemetry SDK. With telemetry disabled it returns
// noop providers.
func New(config Config, logger *zap.Logger) (*Telemetry, ShutdownFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled {
		return &Telemetry{
			Tracer: nooptrace.NewTracerProvider().Tracer(""),
			Meter:  noop.NewMeterProvider().Meter(""),
		}, func(context.Context) error { return nil }, nil
	}
	if config.ServiceName == "" {
		config.ServiceName = "gojodtx"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(config.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	sampleRatio := config.TraceSampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1.0
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)

	if config.SetGlobal {
		otel.SetTracerProvider(tracerProvider)
		otel.SetMeterProvider(meterProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}

	tel := &Telemetry{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(config.ServiceName),
		Meter:          meterProvider.Meter(config.ServiceName),
		registry:       registry,
	}

	if config.MetricsAddr != "" {
		ln, err := net.Listen("tcp", config.MetricsAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to listen for metrics on %s: %w", config.MetricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.MetricsHandler())
		tel.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := tel.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("Serving metrics", zap.String("addr", ln.Addr().String()))
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var err error
		if tel.server != nil {
			err = multierr.Append(err, tel.server.Shutdown(ctx))
		}
		err = multierr.Append(err, tracerProvider.Shutdown(ctx))
		err = multierr.Append(err, meterProvider.Shutdown(ctx))
		return err
	}
	return tel, shutdown, nil
}
