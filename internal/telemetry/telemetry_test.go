package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newForTest(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return New("go-throttle-agent/test"), recorder
}

func TestSubmitRecordsOKStatusOnSuccess(t *testing.T) {
	tracer, recorder := newForTest(t)

	err := tracer.Submit(context.Background(), "h1:", "flagA", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "throttle.submit", spans[0].Name())
	assert.Equal(t, codesOK(spans[0]), true)
}

func TestOnOutcomeRecordsErrorStatusOnFailure(t *testing.T) {
	tracer, recorder := newForTest(t)
	sentinel := errors.New("boom")

	err := tracer.OnOutcome(context.Background(), "h1:", "", func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "throttle.on_outcome", spans[0].Name())
	events := spans[0].Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "exception", events[0].Name)
}

func TestAdmitPropagatesContextToTheWrappedFunction(t *testing.T) {
	tracer, _ := newForTest(t)

	var sawSpanContext bool
	_ = tracer.Admit(context.Background(), "h1:", "", func(ctx context.Context) error {
		sawSpanContext = trace.SpanContextFromContext(ctx).IsValid()
		return nil
	})
	assert.True(t, sawSpanContext)
}

func codesOK(s sdktrace.ReadOnlySpan) bool {
	return s.Status().Code.String() == "Ok"
}
