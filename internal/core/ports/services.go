package ports

import (
	"context"

	"voicerelay/internal/core/domain"
)

// IdentityVerifier validates a bearer credential issued by the identity provider.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// FrameSink receives frames destined for one client connection. TrySend must
// not block; it reports false when the frame was dropped.
type FrameSink interface {
	TrySend(frame []byte) bool
}

type PresenceService interface {
	Join(ctx context.Context, roomName string, entry domain.PresenceEntry, sink FrameSink) (*domain.Room, error)
	Leave(roomID domain.RoomID, connID domain.ConnectionID)
	PublishTranscript(ctx context.Context, roomID domain.RoomID, from domain.PresenceEntry, role domain.Role, content string) (*domain.Message, error)
	PublishSpeaking(roomID domain.RoomID, from domain.ConnectionID, speaking bool)
	Participants(roomID domain.RoomID) []domain.PresenceEntry
}

// RoomBroadcaster relays room frames to other relay instances.
type RoomBroadcaster interface {
	Broadcast(ctx context.Context, roomID domain.RoomID, frame []byte) error
}

// PresenceObserver receives presence layer measurements.
type PresenceObserver interface {
	SetParticipants(roomID domain.RoomID, count int)
	MessagePersisted(role domain.Role)
	BroadcastDropped(frameType domain.FrameType)
}
