package domain

import "time"

type RoomID string
type MessageID string
type ConnectionID string

type Room struct {
	ID        RoomID    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy UserID    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single persisted transcript entry. Messages are never mutated
// after Append.
type Message struct {
	ID        MessageID `json:"id"`
	RoomID    RoomID    `json:"room_id"`
	AuthorID  UserID    `json:"author_id,omitempty"` // empty for system messages
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PresenceEntry exists only while the owning connection is open.
type PresenceEntry struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Identity     Identity     `json:"-"`
	DisplayID    string       `json:"user_id"`
	JoinedAt     time.Time    `json:"joined_at"`
}

func NewPresenceEntry(connID ConnectionID, identity Identity, joinedAt time.Time) PresenceEntry {
	return PresenceEntry{
		ConnectionID: connID,
		Identity:     identity,
		DisplayID:    identity.DisplayID(),
		JoinedAt:     joinedAt,
	}
}
