// Package telemetry wraps the admit -> submit -> feedback sequence in
// OpenTelemetry spans. The span-per-call, error-recorded-on-span shape is
// adapted from griffinskudder-updater's InstrumentedStorage
// (internal/observability/storage.go), which wraps every storage method in
// an identical start-span/record-duration/record-error pattern; here the
// wrapped operations are Admit, Submit, and OnOutcome instead of storage
// calls.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names every span "throttle.<operation>", matching the updater's
// "storage.<operation>" convention.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer backed by the global otel TracerProvider under the
// given instrumentation name (typically the module path).
func New(instrumentationName string) *Tracer {
	return &Tracer{tracer: otel.Tracer(instrumentationName)}
}

// Admit spans a single admission decision.
func (t *Tracer) Admit(ctx context.Context, name, flag string, fn func(ctx context.Context) error) error {
	return t.span(ctx, "admit", name, flag, fn)
}

// Submit spans a single connection-pool round trip.
func (t *Tracer) Submit(ctx context.Context, name, flag string, fn func(ctx context.Context) error) error {
	return t.span(ctx, "submit", name, flag, fn)
}

// OnOutcome spans a single feedback classification and rate recomputation.
func (t *Tracer) OnOutcome(ctx context.Context, name, flag string, fn func(ctx context.Context) error) error {
	return t.span(ctx, "on_outcome", name, flag, fn)
}

func (t *Tracer) span(ctx context.Context, operation, name, flag string, fn func(ctx context.Context) error) error {
	ctx, span := t.tracer.Start(ctx, "throttle."+operation,
		trace.WithAttributes(
			attribute.String("throttle.operation", operation),
			attribute.String("throttle.endpoint", name),
			attribute.String("throttle.flag", flag),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("throttle.duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
