// Package observability installs the OpenTelemetry trace and meter providers.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

type Config struct {
	Tracing        bool          `mapstructure:"tracing" yaml:"tracing"`
	Metrics        bool          `mapstructure:"metrics" yaml:"metrics"`
	ServiceName    string        `mapstructure:"service_name" yaml:"service_name"`
	SampleRatio    float64       `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	MetricInterval time.Duration `mapstructure:"metric_interval" yaml:"metric_interval"`
	PrettyPrint    bool          `mapstructure:"pretty_print" yaml:"pretty_print"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:    "archimedes",
		SampleRatio:    0.1,
		MetricInterval: time.Minute,
	}
}

func (c Config) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("observability.sample_ratio must be in [0, 1]")
	}
	return nil
}

// Setup installs global providers writing to w (stdout when nil) and
// returns a shutdown that flushes them.
func Setup(ctx context.Context, cfg Config, w io.Writer) (func(context.Context) error, error) {
	if w == nil {
		w = os.Stdout
	}
	var shutdownFuncs []func(context.Context) error

	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return shutdown, fmt.Errorf("build otel resource: %w", err)
	}

	if cfg.Tracing {
		tp, err := newTracerProvider(cfg, res, w)
		if err != nil {
			return shutdown, errors.Join(err, shutdown(ctx))
		}
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.Metrics {
		mp, err := newMeterProvider(cfg, res, w)
		if err != nil {
			return shutdown, errors.Join(err, shutdown(ctx))
		}
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return shutdown, nil
}

func newTracerProvider(cfg Config, res *resource.Resource, w io.Writer) (*trace.TracerProvider, error) {
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SampleRatio))),
	), nil
}

func newMeterProvider(cfg Config, res *resource.Resource, w io.Writer) (*metric.MeterProvider, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(interval))),
		metric.WithResource(res),
	), nil
}
