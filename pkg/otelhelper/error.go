package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks the span failed and records the error together with the
// given workflow attributes. A nil span is a no-op, so callers that only
// trace conditionally need no guard.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}
