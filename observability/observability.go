package observability

import (
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Observability is the "everything the components need for instrumentation"
	// interface: structured logger, metrics, tracing and the prometheus
	// registerer the metrics endpoint would expose.
	Observability interface {
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		PrometheusRegisterer() prometheus.Registerer
		Logger() *slog.Logger
	}

	Observe struct {
		log            *slog.Logger
		meterProvider  metric.MeterProvider
		tracerProvider trace.TracerProvider
		registry       *prometheus.Registry
	}
)

// Default builds an Observability implementation on the global OTel
// providers and a fresh prometheus registry.
func Default(log *slog.Logger) *Observe {
	return &Observe{
		log:            log,
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
		registry:       prometheus.NewRegistry(),
	}
}

// NOP returns an Observability implementation that discards everything.
// Meant for tests.
func NOP() *Observe {
	return Default(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// WithLogger returns a copy of the Observe which uses the given logger,
// sharing the metric/trace providers and prometheus registry.
func (o *Observe) WithLogger(log *slog.Logger) *Observe {
	c := *o
	c.log = log
	return &c
}

func (o *Observe) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return o.tracerProvider.Tracer(name, options...)
}

func (o *Observe) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return o.meterProvider.Meter(name, opts...)
}

func (o *Observe) PrometheusRegisterer() prometheus.Registerer {
	return o.registry
}

// PrometheusGatherer exposes the registry for the metrics endpoint.
func (o *Observe) PrometheusGatherer() prometheus.Gatherer {
	return o.registry
}

func (o *Observe) Logger() *slog.Logger {
	return o.log
}
