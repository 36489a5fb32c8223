// Package tracing wraps OpenTelemetry span creation for the runtime
// subsystem, additive alongside the normative ring-buffer tracer
// (internal/tracer): a span covers the same wall-clock window as one
// execution, for export to whatever OTel backend an operator has
// configured, while internal/tracer remains the source of truth spec.md
// §4.4 describes.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans for one named component ("registry", "executor",
// "pipeline").
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer that reports spans under name, using the global
// OpenTelemetry tracer provider (wired to an SDK provider by
// cmd/wasmcored, or the no-op provider if tracing is not configured).
func New(name string) Tracer {
	return Tracer{tracer: otel.Tracer(name)}
}

// Span wraps an OpenTelemetry span with a narrower End signature so
// callers can defer End(&retErr) symmetrically with
// wasm_handler.go-style error-recording spans.
type Span struct {
	span trace.Span
}

// Start begins a span named op with the given attributes, grounded on
// private/buf/bufpluginexec's tracer.Start(ctx, tracing.WithErr(&retErr),
// tracing.WithAttributes(...)) call shape.
func (t Tracer) Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	return ctx, Span{span: span}
}

// End records err (if non-nil) on the span as its status and closes it.
func (s Span) End(err *error) {
	if err != nil && *err != nil {
		s.span.RecordError(*err)
		s.span.SetStatus(codes.Error, (*err).Error())
	}
	s.span.End()
}
