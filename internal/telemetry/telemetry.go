// Package telemetry wires stdlib logging and OpenTelemetry instrumentation
// for the mission core. Logging stays on the standard library, matching the
// rest of this codebase's subsystems; tracing/metrics go through otel.
package telemetry

import (
	"context"
	"log"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles a prefixed logger with a tracer/meter pair for one
// subsystem. Each component constructs its own via New so log lines are
// attributable at a glance.
type Telemetry struct {
	Logger *log.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// New builds a Telemetry instance for the named subsystem. name is rendered
// both as the log prefix ("[NAME] ") and the otel instrumentation scope.
func New(name string) *Telemetry {
	return &Telemetry{
		Logger: log.New(os.Stdout, "["+name+"] ", log.LstdFlags),
		Tracer: otel.Tracer("missioncore/" + name),
		Meter:  otel.Meter("missioncore/" + name),
	}
}

// StartSpan is a small convenience wrapper kept so call sites read the same
// way across every component.
func (t *Telemetry) StartSpan(ctx context.Context, spanName string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.Tracer.Start(ctx, spanName, attrs...)
}
