package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceProviderFromConfig(t *testing.T) {
	t.Parallel()

	tp, err := NewTraceProviderFromConfig(context.Background(), "http", "", false)
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewTraceProviderUnsupportedProto(t *testing.T) {
	t.Parallel()

	_, err := NewTraceProvider(context.Background(), "grpc", "localhost:4317", true)
	require.ErrorIs(t, err, ErrUnsupportedProto)
}
