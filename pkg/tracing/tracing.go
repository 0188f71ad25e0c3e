package tracing

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// tracer is nil until SetTracer runs; every helper is then a no-op
var tracer trace.Tracer

func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan starts a child span of whatever span ctx carries
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err; nil errors are ignored
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// KeyAttributes tags a span with the status key it works on
func KeyAttributes(tenantID, integration, environment string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("tenant_id", tenantID),
		attribute.String("integration", integration),
		attribute.String("environment", environment),
	}
}

func current(ctx context.Context) (trace.SpanContext, bool) {
	if tracer == nil {
		return trace.SpanContext{}, false
	}
	sc := trace.SpanContextFromContext(ctx)
	return sc, sc.IsValid()
}

// GetTraceID is the hex trace id of the active span, or ""
func GetTraceID(ctx context.Context) string {
	if sc, ok := current(ctx); ok {
		return sc.TraceID().String()
	}
	return ""
}

// GetSpanID is the hex span id of the active span, or ""
func GetSpanID(ctx context.Context) string {
	if sc, ok := current(ctx); ok {
		return sc.SpanID().String()
	}
	return ""
}

// Header is one W3C trace context header
type Header struct {
	Key   string
	Value string
}

// Headers returns the W3C traceparent/tracestate headers for the active span, sorted by key.
// Messages carry them so consumers can continue the trace.
func Headers(ctx context.Context) []Header {
	if _, ok := current(ctx); !ok {
		return nil
	}
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)

	out := make([]Header, 0, len(carrier))
	for k, v := range carrier {
		if v != "" {
			out = append(out, Header{Key: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
