package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicerelay/internal/core/domain"
)

// EventType represents the type of event
type EventType string

const (
	EventRoomFrame EventType = "room.frame"
)

// Event is a room frame relayed between instances.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	RoomID     domain.RoomID   `json:"room_id"`
	Frame      json.RawMessage `json:"frame"`
}

// EventBus fans room frames out to the other relay instances over Redis
// pub/sub. It implements ports.RoomBroadcaster.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewEventBus creates a new event bus
func NewEventBus(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

// Broadcast publishes frame for roomID.
func (eb *EventBus) Broadcast(ctx context.Context, roomID domain.RoomID, frame []byte) error {
	data, err := eb.encode(roomID, frame)
	if err != nil {
		return err
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", EventRoomFrame, "room_id", roomID)
	return nil
}

func (eb *EventBus) encode(roomID domain.RoomID, frame []byte) ([]byte, error) {
	data, err := json.Marshal(&Event{
		Type:       EventRoomFrame,
		InstanceID: eb.instanceID,
		Timestamp:  time.Now().UTC(),
		RoomID:     roomID,
		Frame:      frame,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// decode returns the event or false when it is malformed or was published by
// this instance.
func (eb *EventBus) decode(payload string) (*Event, bool) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err)
		return nil, false
	}
	if event.InstanceID == eb.instanceID || event.Type != EventRoomFrame {
		return nil, false
	}
	return &event, true
}

// Subscribe delivers frames published by other instances until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(roomID domain.RoomID, frame []byte)) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	pubsub := eb.pubsub
	eb.mu.Unlock()
	defer func() {
		eb.mu.Lock()
		if eb.pubsub == pubsub {
			eb.pubsub = nil
		}
		eb.mu.Unlock()
		_ = pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if event, ok := eb.decode(msg.Payload); ok {
				handler(event.RoomID, event.Frame)
			}
		}
	}
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		err := eb.pubsub.Close()
		eb.pubsub = nil
		return err
	}
	return nil
}
