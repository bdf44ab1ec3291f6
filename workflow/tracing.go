package workflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/songzhibin97/workflow-core/workflow"

// Span attribute keys.
var (
	AttrTenantID    = attribute.Key("workflow.tenant_id")
	AttrExecutionID = attribute.Key("workflow.execution_id")
	AttrWorkflow    = attribute.Key("workflow.name")
	AttrEvent       = attribute.Key("workflow.event")
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// endSpan ends span, marking it failed when err is non-nil.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func executionAttrs(tenantID string, executionID uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrExecutionID.String(idString(executionID)),
	}
}
