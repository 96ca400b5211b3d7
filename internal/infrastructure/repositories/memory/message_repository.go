package memory

import (
	"context"
	"sync"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
)

type MemoryMessageRepository struct {
	messages map[domain.RoomID][]*domain.Message
	mu       sync.RWMutex
}

func NewMemoryMessageRepository() ports.MessageRepository {
	return &MemoryMessageRepository{
		messages: make(map[domain.RoomID][]*domain.Message),
	}
}

func (r *MemoryMessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	stored := *msg

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.RoomID] = append(r.messages[msg.RoomID], &stored)
	return nil
}

func (r *MemoryMessageRepository) ListByRoom(ctx context.Context, roomID domain.RoomID, limit int) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.messages[roomID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}

	result := make([]*domain.Message, 0, len(all)-start)
	for _, msg := range all[start:] {
		copied := *msg
		result = append(result, &copied)
	}
	return result, nil
}
