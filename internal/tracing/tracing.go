// Package tracing wraps the OpenTelemetry API for service operations.
// No exporter is installed here; spans go to whatever provider the host
// registers globally (a no-op one by default).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/gkobilansky/cohort"

// Start opens a span named after the component and operation,
// e.g. Start(ctx, "experiment", "Assign", attribute.String("user.id", u)).
func Start(ctx context.Context, component, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation+"/"+component).Start(ctx, component+"."+op,
		trace.WithAttributes(attrs...))
}

// End records err on the span, if any, and ends it. Use with a named
// error return: defer func() { tracing.End(span, err) }().
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
