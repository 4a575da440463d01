// Package telemetry provides opt-in tracing for the medportal core.
//
// Tracing is disabled by default: every span comes from a no-op tracer and
// nothing is recorded. When the host enables telemetry, spans go to the
// global OpenTelemetry provider. This package never installs an exporter,
// so no data leaves the device unless the host wires one in.
package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName identifies spans produced by this module.
const InstrumentationName = "github.com/kimhsiao/medportal/core"

var (
	enabled atomic.Bool
	noopTr  = noop.NewTracerProvider().Tracer(InstrumentationName)
)

// =====================================================
// Opt-in Controls
// =====================================================

// IsEnabled reports whether spans are recorded.
func IsEnabled() bool {
	return enabled.Load()
}

// EnableTelemetry routes spans to the global provider.
func EnableTelemetry() {
	enabled.Store(true)
}

// DisableTelemetry returns to the no-op tracer.
func DisableTelemetry() {
	enabled.Store(false)
}

// GetOptInStatus returns "enabled" or "disabled".
func GetOptInStatus() string {
	if IsEnabled() {
		return "enabled"
	}
	return "disabled"
}

// =====================================================
// Spans
// =====================================================

// Tracer returns the active tracer.
func Tracer() trace.Tracer {
	if IsEnabled() {
		return otel.Tracer(InstrumentationName)
	}
	return noopTr
}

// StartSpan starts a span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
