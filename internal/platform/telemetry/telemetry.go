// Package telemetry wires prometheus metrics and OpenTelemetry tracing for
// the triage server and exposes the echo middleware and handler that go
// with them.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is an OTLP/HTTP collector base URL. Empty keeps spans
	// in-process only.
	OTLPEndpoint   string
	MetricsEnabled *bool // nil = use default (true)
	TracingEnabled *bool // nil = use default (true)
	SampleRate     float64
}

func (c *TelemetryConfig) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *TelemetryConfig) tracingOn() bool {
	return c.TracingEnabled == nil || *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "triage-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// TelemetryProvider owns the metrics registry and the tracer provider.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewTelemetryProvider builds the registry and, when tracing is on, an SDK
// tracer provider installed as the global one. Extra options are applied to
// the tracer provider, which is how tests attach an in-memory exporter.
func NewTelemetryProvider(ctx context.Context, cfg TelemetryConfig, opts ...sdktrace.TracerProviderOption) (*TelemetryProvider, error) {
	cfg.applyDefaults()

	reg := prometheus.NewRegistry()
	if cfg.metricsOn() {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	p := &TelemetryProvider{cfg: cfg, registry: reg}
	if !cfg.tracingOn() {
		p.tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint+"/v1/traces"))
		if err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tpOpts = append(tpOpts, opts...)

	p.tp = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	p.tracer = p.tp.Tracer("github.com/ehr/triage/internal/platform/telemetry")
	return p, nil
}

// Registerer is where domain packages register their collectors.
func (p *TelemetryProvider) Registerer() prometheus.Registerer { return p.registry }

// Gatherer exposes the registry for tests and the metrics endpoint.
func (p *TelemetryProvider) Gatherer() prometheus.Gatherer { return p.registry }

func (p *TelemetryProvider) MetricsEnabled() bool { return p.cfg.metricsOn() }

// Shutdown flushes pending spans. It is safe to call more than once.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		if p.tp != nil {
			if err := p.tp.Shutdown(ctx); err != nil {
				p.shutdownErr = fmt.Errorf("tracer shutdown: %w", err)
			}
		}
	})
	return p.shutdownErr
}

// PrometheusHandler serves the registry in the prometheus text format.
func (p *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	h := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}

// TracingMiddleware starts a server span per request, continuing any trace
// the caller propagated. The trace id is stored under "trace_id".
func (p *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	propagator := otel.GetTextMapPropagator()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := p.tracer.Start(ctx, req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(req.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(req.URL.Path),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				c.Set("trace_id", sc.TraceID().String())
			}
			if rid, ok := c.Get("request_id").(string); ok {
				span.SetAttributes(attribute.String("request.id", rid))
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(status))
			if status >= 500 {
				if err != nil {
					span.RecordError(err)
				}
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return err
		}
	}
}
