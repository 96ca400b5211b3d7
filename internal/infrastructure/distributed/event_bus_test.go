package distributed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEventBus_EncodeDecodeAcrossInstances(t *testing.T) {
	sender := NewEventBus(nil, "instance-a", "voicerelay:rooms", zap.NewNop().Sugar())
	receiver := NewEventBus(nil, "instance-b", "voicerelay:rooms", zap.NewNop().Sugar())

	frame := []byte(`{"type":"room.message","message":{"content":"hi"},"backfill":false}`)
	data, err := sender.encode("room-1", frame)
	require.NoError(t, err)

	event, ok := receiver.decode(string(data))
	require.True(t, ok)
	assert.Equal(t, "room-1", string(event.RoomID))
	assert.JSONEq(t, string(frame), string(event.Frame))
}

func TestEventBus_SkipsOwnAndMalformed(t *testing.T) {
	bus := NewEventBus(nil, "instance-a", "voicerelay:rooms", zap.NewNop().Sugar())

	data, err := bus.encode("room-1", []byte(`{}`))
	require.NoError(t, err)
	_, ok := bus.decode(string(data))
	assert.False(t, ok, "own events are skipped")

	_, ok = bus.decode("not json")
	assert.False(t, ok)

	_, ok = bus.decode(`{"type":"peer.joined","instance_id":"instance-b"}`)
	assert.False(t, ok)
}
