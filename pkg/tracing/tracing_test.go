package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "voicerelay", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.False(t, cfg.Enabled)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpansWithoutProvider(t *testing.T) {
	ctx := context.Background()

	ctx, span := TraceUpstreamDial(ctx, "wss://api.openai.com/v1/realtime")
	require.NotNil(t, span)
	AddSpanAttributes(ctx, AttemptKey.Int(1), attribute.String("test.key", "value"))
	RecordError(ctx, errors.New("handshake failed"))
	MeasureDuration(ctx, time.Now(), "dial")
	span.End()

	_, span = TraceIdentityVerify(context.Background(), "jwt")
	require.NotNil(t, span)
	span.End()

	_, span = TraceRoomOperation(context.Background(), "join", "room-1")
	require.NotNil(t, span)
	span.End()

	_, span = TraceHTTPRequest(context.Background(), "GET", "/v1/realtime")
	require.NotNil(t, span)
	span.End()
}
