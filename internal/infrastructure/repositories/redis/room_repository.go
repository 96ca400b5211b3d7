package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
)

// RedisRoomRepository stores each room under its name, with an id index.
// SETNX on the name key decides concurrent creators across instances.
type RedisRoomRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: keyPrefix + "room:",
	}
}

func (r *RedisRoomRepository) nameKey(name string) string {
	return r.prefix + "name:" + name
}

func (r *RedisRoomRepository) idKey(id domain.RoomID) string {
	return r.prefix + "id:" + string(id)
}

func (r *RedisRoomRepository) GetOrCreate(ctx context.Context, name string, creator domain.UserID) (*domain.Room, error) {
	room := &domain.Room{
		ID:        domain.RoomID(uuid.New().String()),
		Name:      name,
		CreatedBy: creator,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal room: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.nameKey(name), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create room in Redis: %w", err)
	}
	if !created {
		existing, err := r.GetByName(ctx, name)
		if err != nil {
			return nil, err
		}
		// the creator may have failed between the two writes
		if err := r.indexID(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	if err := r.indexID(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// indexID writes the id index for room unless it is already present.
func (r *RedisRoomRepository) indexID(ctx context.Context, room *domain.Room) error {
	if err := r.client.SetNX(ctx, r.idKey(room.ID), room.Name, 0).Err(); err != nil {
		return fmt.Errorf("failed to index room id: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) GetByName(ctx context.Context, name string) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.nameKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, nil
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	name, err := r.client.Get(ctx, r.idKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room index from Redis: %w", err)
	}
	return r.GetByName(ctx, name)
}
