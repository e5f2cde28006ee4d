package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), ServiceName, "", 1)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpanWithAttributes(context.Background(), "noop")
	End(span, nil)
	assert.Empty(t, TraceIDFromContext(ctx))
}

func TestIsGRPC(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "")
	assert.True(t, isGRPC("grpc://collector:4317"))
	assert.True(t, isGRPC("collector:4317"))
	assert.False(t, isGRPC("collector:4318"))
}
