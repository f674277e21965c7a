// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/mailbox/config"
	"github.com/absmach/mailbox/pkg/tls"
	"github.com/absmach/mailbox/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const exportTimeout = 30 * time.Second

// Telemetry is the running OpenTelemetry pipeline of a mailbox node.
type Telemetry struct {
	// Metrics records provider activity. Nil when metric export is off.
	Metrics *Metrics

	shutdown []func(context.Context) error
}

// Setup starts exporting to the OTLP gRPC collector at cfg.MetricsAddr and
// installs the global providers. When metric export is on, the returned
// Metrics is ready to hand to providers and, if q is not nil, reports the
// depth of every queue topic.
func Setup(ctx context.Context, cfg config.ServerConfig, q *queue.Queue) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.OtelServiceName),
			semconv.ServiceVersionKey.String(cfg.OtelServiceVersion),
			semconv.ServiceInstanceIDKey.String(cfg.NodeID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{}

	if cfg.OtelTracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, creds, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		t.shutdown = append(t.shutdown, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.OtelMetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, creds, res)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		t.shutdown = append(t.shutdown, mp.Shutdown)

		if t.Metrics, err = NewMetrics(mp); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
		if q != nil {
			if err := t.Metrics.ObserveQueue(q); err != nil {
				_ = t.Shutdown(ctx)
				return nil, fmt.Errorf("failed to register queue metrics: %w", err)
			}
		}
		otel.SetMeterProvider(mp)
	}

	return t, nil
}

// Shutdown flushes and stops the exporters, last started first.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

// transportCredentials returns nil for a plaintext collector connection.
func transportCredentials(cfg config.ServerConfig) (credentials.TransportCredentials, error) {
	if cfg.OtelInsecure {
		return nil, nil
	}
	tlsCfg, err := tls.LoadClient(cfg.OtelTLS)
	if err != nil {
		return nil, fmt.Errorf("failed to load collector TLS: %w", err)
	}
	return credentials.NewTLS(tlsCfg), nil
}

func sampler(rate float64) trace.Sampler {
	switch {
	case rate >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case rate <= 0:
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(rate))
	}
}

func newTracerProvider(ctx context.Context, cfg config.ServerConfig, creds credentials.TransportCredentials, res *resource.Resource) (*trace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.MetricsAddr),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if creds == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(sampler(cfg.OtelTraceSampleRate)),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(512),
			trace.WithBatchTimeout(5*time.Second),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.ServerConfig, creds credentials.TransportCredentials, res *resource.Resource) (*metric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.MetricsAddr),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	}
	if creds == nil {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(cfg.OtelMetricsInterval),
		)),
	), nil
}
