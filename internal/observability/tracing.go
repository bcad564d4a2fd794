package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/blueberrycongee/llmroute"

// StartDispatchSpan opens a span around one executor dispatch. The exporter
// wiring is the host application's concern; with no SDK installed these are
// no-op spans.
func StartDispatchSpan(ctx context.Context, modelGroup, deploymentID string, attempt int) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "llmroute.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llmroute.model_group", modelGroup),
			attribute.String("llmroute.deployment_id", deploymentID),
			attribute.Int("llmroute.attempt", attempt),
		),
	)
}

// EndDispatchSpan records the dispatch result and closes the span.
func EndDispatchSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
