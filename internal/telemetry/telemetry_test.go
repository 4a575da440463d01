// Package telemetry tests verify opt-in behavior.
package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

// TestDisabledByDefault verifies telemetry is off until enabled.
func TestDisabledByDefault(t *testing.T) {
	if IsEnabled() {
		t.Fatal("IsEnabled() should return false by default")
	}
	if got := GetOptInStatus(); got != "disabled" {
		t.Errorf("GetOptInStatus() = %q, want disabled", got)
	}
}

// TestDisabledSpansNotRecording verifies spans from the default tracer record nothing.
func TestDisabledSpansNotRecording(t *testing.T) {
	_, span := StartSpan(context.Background(), "test", attribute.String("k", "v"))
	if span.IsRecording() {
		t.Error("span should not record while telemetry is disabled")
	}
	EndSpan(span, errors.New("boom"))
}

// TestEnableDisable verifies the opt-in toggle.
func TestEnableDisable(t *testing.T) {
	EnableTelemetry()
	defer DisableTelemetry()

	if !IsEnabled() {
		t.Fatal("IsEnabled() = false after EnableTelemetry")
	}
	if got := GetOptInStatus(); got != "enabled" {
		t.Errorf("GetOptInStatus() = %q, want enabled", got)
	}
	ctx, span := StartSpan(context.Background(), "enabled")
	if ctx == nil {
		t.Fatal("StartSpan returned nil context")
	}
	EndSpan(span, nil)

	DisableTelemetry()
	if IsEnabled() {
		t.Error("IsEnabled() = true after DisableTelemetry")
	}
}
