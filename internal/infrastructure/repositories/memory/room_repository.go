package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms  map[domain.RoomID]*domain.Room
	byName map[string]domain.RoomID
	mu     sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms:  make(map[domain.RoomID]*domain.Room),
		byName: make(map[string]domain.RoomID),
	}
}

func (r *MemoryRoomRepository) GetOrCreate(ctx context.Context, name string, creator domain.UserID) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.byName[name]; exists {
		room := *r.rooms[id]
		return &room, nil
	}

	room := &domain.Room{
		ID:        domain.RoomID(uuid.New().String()),
		Name:      name,
		CreatedBy: creator,
		CreatedAt: time.Now().UTC(),
	}
	r.rooms[room.ID] = room
	r.byName[name] = room.ID

	created := *room
	return &created, nil
}

func (r *MemoryRoomRepository) GetByName(ctx context.Context, name string) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byName[name]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	room := *r.rooms[id]
	return &room, nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	found := *room
	return &found, nil
}
