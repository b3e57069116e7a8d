package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "megobari"

// StartTurn opens the span covering one conversation turn.
func StartTurn(ctx context.Context, session string) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, "turn.process",
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("session.name", session))
	return ctx, span
}

// StartInvoke opens the span covering one agent subprocess run.
func StartInvoke(ctx context.Context, model string, resumed bool) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, "agent.invoke",
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("agent.model", model),
		attribute.Bool("agent.resumed", resumed),
	)
	return ctx, span
}

// StartCheck opens the span covering one monitor resource check.
func StartCheck(ctx context.Context, url, resourceType string) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, "monitor.check",
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("resource.url", url),
		attribute.String("resource.type", resourceType),
	)
	return ctx, span
}

// RecordResult marks the span failed when err is set. Ending the span stays
// with the caller.
func RecordResult(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
