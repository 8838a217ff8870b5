package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtractRoundTrip(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "test")
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	headers := Inject(ctx)
	require.Contains(t, headers, "traceparent")

	got := trace.SpanContextFromContext(Extract(context.Background(), headers))
	assert.Equal(t, span.SpanContext().TraceID(), got.TraceID())
	assert.True(t, got.IsRemote())
}
