// Package observability provides OpenTelemetry tracing and metrics for the
// bureau runtime. The core mandates no network ports, so the providers use
// in-process readers only: spans stay sampled in memory for attachment to
// structured logs, and metrics are collected on demand via a manual reader.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "bureau.substrate"

// Config configures the providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        bool
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "bureau",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers and the substrate's
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventsAppended  metric.Int64Counter
	eventsClaimed   metric.Int64Counter
	eventsAcked     metric.Int64Counter
	eventsFailed    metric.Int64Counter
	gatewayAllowed  metric.Int64Counter
	gatewayDenied   metric.Int64Counter
	workerRestarts  metric.Int64Counter
	cycleDuration   metric.Float64Histogram
	activeWorkers   metric.Int64UpDownCounter
}

// New creates a provider. A disabled config yields an inert provider whose
// record methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("bureau.component", "substrate"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.reader = sdkmetric.NewManualReader()
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(p.reader),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = p.meterProvider.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
	)
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.eventsAppended, err = p.meter.Int64Counter("bureau.events.appended",
		metric.WithDescription("Events durably appended to the mailbox"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}
	p.eventsClaimed, err = p.meter.Int64Counter("bureau.events.claimed",
		metric.WithDescription("Events leased by consumers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}
	p.eventsAcked, err = p.meter.Int64Counter("bureau.events.acked",
		metric.WithDescription("Events acknowledged as done"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}
	p.eventsFailed, err = p.meter.Int64Counter("bureau.events.failed",
		metric.WithDescription("Events marked failed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}
	p.gatewayAllowed, err = p.meter.Int64Counter("bureau.gateway.allowed",
		metric.WithDescription("Tool gateway requests allowed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}
	p.gatewayDenied, err = p.meter.Int64Counter("bureau.gateway.denied",
		metric.WithDescription("Tool gateway requests denied"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}
	p.workerRestarts, err = p.meter.Int64Counter("bureau.workers.restarts",
		metric.WithDescription("Worker restarts scheduled by the supervisor"),
		metric.WithUnit("{restart}"),
	)
	if err != nil {
		return err
	}
	p.cycleDuration, err = p.meter.Float64Histogram("bureau.cycle.duration",
		metric.WithDescription("Duration of one supervision or projection cycle"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return err
	}
	p.activeWorkers, err = p.meter.Int64UpDownCounter("bureau.workers.active",
		metric.WithDescription("Workers currently alive"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordEventAppended counts one durable append.
func (p *Provider) RecordEventAppended(ctx context.Context, eventType string) {
	if p.eventsAppended != nil {
		p.eventsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
	}
}

// RecordEventClaimed counts one lease grant.
func (p *Provider) RecordEventClaimed(ctx context.Context, agentID string) {
	if p.eventsClaimed != nil {
		p.eventsClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.id", agentID)))
	}
}

// RecordEventAcked counts one acknowledged event.
func (p *Provider) RecordEventAcked(ctx context.Context, agentID string) {
	if p.eventsAcked != nil {
		p.eventsAcked.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.id", agentID)))
	}
}

// RecordEventFailed counts one failed event.
func (p *Provider) RecordEventFailed(ctx context.Context, agentID string) {
	if p.eventsFailed != nil {
		p.eventsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.id", agentID)))
	}
}

// RecordGatewayDecision counts a gateway verdict.
func (p *Provider) RecordGatewayDecision(ctx context.Context, actionType string, allowed bool) {
	attrs := metric.WithAttributes(attribute.String("action.type", actionType))
	if allowed {
		if p.gatewayAllowed != nil {
			p.gatewayAllowed.Add(ctx, 1, attrs)
		}
		return
	}
	if p.gatewayDenied != nil {
		p.gatewayDenied.Add(ctx, 1, attrs)
	}
}

// RecordWorkerRestart counts a scheduled restart.
func (p *Provider) RecordWorkerRestart(ctx context.Context, agentID string) {
	if p.workerRestarts != nil {
		p.workerRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.id", agentID)))
	}
}

// RecordCycleDuration records one loop cycle's wall time.
func (p *Provider) RecordCycleDuration(ctx context.Context, component string, d time.Duration) {
	if p.cycleDuration != nil {
		p.cycleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("bureau.component", component)))
	}
}

// AddActiveWorkers moves the live-worker gauge.
func (p *Provider) AddActiveWorkers(ctx context.Context, delta int64) {
	if p.activeWorkers != nil {
		p.activeWorkers.Add(ctx, delta)
	}
}

// Collect drains the manual reader into a metrics snapshot. Only valid on
// an enabled provider.
func (p *Provider) Collect(ctx context.Context) (*metricdata.ResourceMetrics, error) {
	if p.reader == nil {
		return nil, fmt.Errorf("observability: metrics disabled")
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	return &rm, nil
}
