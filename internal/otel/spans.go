package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for clawherd spans.
var (
	AttrSlug       = attribute.Key("clawherd.instance.slug")
	AttrAgentID    = attribute.Key("clawherd.agent.id")
	AttrStrategy   = attribute.Key("clawherd.discovery.strategy")
	AttrPort       = attribute.Key("clawherd.instance.port")
	AttrDryRun     = attribute.Key("clawherd.team.dry_run")
	AttrTargetKind = attribute.Key("clawherd.team.target_kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (health probe, service manager).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
