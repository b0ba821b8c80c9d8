package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the named tracer from the global provider. Without an
// installed SDK the provider is a no-op.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("meditrack/" + name)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ActorAttrs tags a span with the acting user.
func ActorAttrs(ctx context.Context, userID, role string) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("actor.id", userID),
		attribute.String("actor.role", role),
	)
}
