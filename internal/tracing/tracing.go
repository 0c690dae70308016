// Package tracing wraps OpenTelemetry span creation for the Worker State
// Machine's phases, following the Provider/Tracer wrapper shape of the
// pack's internal/orchestration/tracing. NewProvider installs no span
// exporter, whatever Config.Exporter says, so spans from an enabled
// Provider are not exported anywhere.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func resourceFor(serviceName string) *resource.Resource {
	return resource.NewSchemaless(attribute.String("service.name", serviceName))
}

// Span attribute keys used across Worker phases.
const (
	AttrRepo       = "ralph.repo"
	AttrIssue      = "ralph.issue"
	AttrTaskID     = "ralph.task.id"
	AttrCheckpoint = "ralph.checkpoint"
	AttrPhase      = "ralph.worker.phase"
)

// Phase span names, one per Worker State Machine phase (spec.md §5).
const (
	SpanPlan      = "ralph.worker.plan"
	SpanBuild     = "ralph.worker.build"
	SpanMergeGate = "ralph.worker.merge_gate"
	SpanSurvey    = "ralph.worker.survey"
)

// Config controls Provider construction.
type Config struct {
	Enabled     bool
	Exporter    string // not read by NewProvider; no exporter is installed
	ServiceName string
}

// DefaultConfig returns a disabled, zero-overhead configuration.
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "ralph"}
}

// Provider owns the TracerProvider lifecycle.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// NewProvider builds a Provider. A disabled config yields a no-op tracer
// with zero overhead, matching NewProvider's disabled branch in the pack.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer("ralph-noop"), enabled: false}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ralph"
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resourceFor(serviceName)),
	}
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Provider{provider: provider, tracer: provider.Tracer(serviceName), enabled: true}, nil
}

// Tracer returns the span-producing Tracer, always safe to call.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Enabled reports whether a real tracer provider backs this Provider.
func (p *Provider) Enabled() bool { return p.enabled }

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// StartPhase starts a span for a Worker phase, pre-populated with task
// identity attributes.
func (p *Provider) StartPhase(ctx context.Context, spanName, repo, issue, taskID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String(AttrRepo, repo),
		attribute.String(AttrIssue, issue),
		attribute.String(AttrTaskID, taskID),
	))
}
