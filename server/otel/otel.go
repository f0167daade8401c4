// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/aerocommand/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Instrumentation is the scope name shared by the service's meter and tracers.
const Instrumentation = "github.com/absmach/aerocommand"

const (
	serviceNamespace = "aerocommand"
	topicRootKey     = attribute.Key("aerocommand.topic_root")

	exportTimeout  = 30 * time.Second
	batchTimeout   = 5 * time.Second
	batchSize      = 512
	exportInterval = 10 * time.Second
)

// Tracer returns the tracer for one component, such as "command" or
// "telemetry". It follows whatever provider Setup installed.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(Instrumentation + "/" + component)
}

// Setup installs the trace and meter providers described by cfg, labelled
// with the identity of the service instance. The returned function flushes
// and stops every installed provider.
func Setup(ctx context.Context, cfg config.OtelConfig, svc config.ServiceConfig) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(serviceAttributes(cfg, svc)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var stops []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			errs = append(errs, stops[i](ctx))
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("telemetry shutdown: %w", err)
		}
		return nil
	}

	if cfg.TracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.MetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

// serviceAttributes describes one running instance. The exporter service
// name falls back to the service's own name.
func serviceAttributes(cfg config.OtelConfig, svc config.ServiceConfig) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = svc.Name
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.ServiceNamespaceKey.String(serviceNamespace),
		semconv.ServiceInstanceIDKey.String(svc.InstanceID),
		topicRootKey.String(svc.TopicRoot),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}
	return attrs
}

// sampler keeps the parent's decision and samples root spans at rate.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func newTracerProvider(ctx context.Context, cfg config.OtelConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(batchSize),
			sdktrace.WithBatchTimeout(batchTimeout),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.OtelConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(exportInterval))),
	), nil
}
