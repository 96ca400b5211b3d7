package ports

import (
	"context"

	"voicerelay/internal/core/domain"
)

type RoomRepository interface {
	// GetOrCreate returns the room with the given name, creating it when absent.
	// Concurrent callers racing on the same name observe the same room.
	GetOrCreate(ctx context.Context, name string, creator domain.UserID) (*domain.Room, error)
	GetByName(ctx context.Context, name string) (*domain.Room, error)
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
}

type MessageRepository interface {
	Append(ctx context.Context, msg *domain.Message) error
	// ListByRoom returns at most limit of the most recent messages, oldest first.
	// limit <= 0 returns the full history.
	ListByRoom(ctx context.Context, roomID domain.RoomID, limit int) ([]*domain.Message, error)
}
