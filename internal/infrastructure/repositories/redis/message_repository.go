package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
)

// RedisMessageRepository keeps one list per room in append order.
type RedisMessageRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisMessageRepository(client *redis.Client) ports.MessageRepository {
	return &RedisMessageRepository{
		client: client,
		prefix: keyPrefix + "messages:",
	}
}

func (r *RedisMessageRepository) listKey(roomID domain.RoomID) string {
	return r.prefix + string(roomID)
}

func (r *RedisMessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := r.client.RPush(ctx, r.listKey(msg.RoomID), data).Err(); err != nil {
		return fmt.Errorf("failed to append message in Redis: %w", err)
	}
	return nil
}

func (r *RedisMessageRepository) ListByRoom(ctx context.Context, roomID domain.RoomID, limit int) ([]*domain.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}

	items, err := r.client.LRange(ctx, r.listKey(roomID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages from Redis: %w", err)
	}

	messages := make([]*domain.Message, 0, len(items))
	for _, item := range items {
		var msg domain.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}
