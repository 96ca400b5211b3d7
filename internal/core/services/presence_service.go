package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
	apperrors "voicerelay/pkg/errors"
	"voicerelay/pkg/tracing"
	"voicerelay/pkg/validation"
)

type roomRef struct {
	ID   domain.RoomID `json:"id"`
	Name string        `json:"name"`
}

type roomJoinedFrame struct {
	Type         domain.FrameType    `json:"type"`
	Room         roomRef             `json:"room"`
	ConnectionID domain.ConnectionID `json:"connection_id"`
}

type roomMessageFrame struct {
	Type     domain.FrameType `json:"type"`
	Message  *domain.Message  `json:"message"`
	Backfill bool             `json:"backfill"`
}

type roomPresenceFrame struct {
	Type         domain.FrameType       `json:"type"`
	RoomID       domain.RoomID          `json:"room_id"`
	Count        int                    `json:"count"`
	Participants []domain.PresenceEntry `json:"participants"`
}

type roomSpeakingFrame struct {
	Type         domain.FrameType    `json:"type"`
	RoomID       domain.RoomID       `json:"room_id"`
	ConnectionID domain.ConnectionID `json:"connection_id"`
	Speaking     bool                `json:"speaking"`
}

// heldFrameLimit bounds the frames queued for a member whose backfill is
// still being sent.
const heldFrameLimit = 256

type heldFrame struct {
	frame     []byte
	frameType domain.FrameType
	messageID domain.MessageID
}

type member struct {
	entry domain.PresenceEntry
	sink  ports.FrameSink

	mu      sync.Mutex
	joining bool
	held    []heldFrame
}

// deliver sends f, or queues it while the member is still joining.
func (m *member) deliver(f heldFrame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joining {
		if len(m.held) >= heldFrameLimit {
			return false
		}
		m.held = append(m.held, f)
		return true
	}
	return m.sink.TrySend(f.frame)
}

// release flushes the queued frames in order, skipping messages already sent
// as backfill, and switches the member to direct delivery. It returns the
// types of frames the sink refused.
func (m *member) release(sent map[domain.MessageID]struct{}) []domain.FrameType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refused []domain.FrameType
	for _, f := range m.held {
		if f.messageID != "" {
			if _, ok := sent[f.messageID]; ok {
				continue
			}
		}
		if !m.sink.TrySend(f.frame) {
			refused = append(refused, f.frameType)
		}
	}
	m.held = nil
	m.joining = false
	return refused
}

type PresenceConfig struct {
	BackfillLimit int
	WriteTimeout  time.Duration
}

type presenceService struct {
	rooms    ports.RoomRepository
	messages ports.MessageRepository
	bus      ports.RoomBroadcaster
	observer ports.PresenceObserver
	cfg      PresenceConfig
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	members map[domain.RoomID]map[domain.ConnectionID]*member
}

// PresenceService is the in-process presence registry. DeliverRemote feeds it
// frames received from other instances.
type PresenceService interface {
	ports.PresenceService
	DeliverRemote(roomID domain.RoomID, frame []byte)
}

// NewPresenceService creates the presence layer. bus and observer may be nil.
func NewPresenceService(
	rooms ports.RoomRepository,
	messages ports.MessageRepository,
	bus ports.RoomBroadcaster,
	observer ports.PresenceObserver,
	cfg PresenceConfig,
	logger *zap.SugaredLogger,
) PresenceService {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	return &presenceService{
		rooms:    rooms,
		messages: messages,
		bus:      bus,
		observer: observer,
		cfg:      cfg,
		logger:   logger,
		members:  make(map[domain.RoomID]map[domain.ConnectionID]*member),
	}
}

// Join resolves or creates the room, registers the member and sends it
// room.joined and the backfill, then announces presence. Frames published to
// the room while the backfill is read are held and delivered after it.
func (s *presenceService) Join(ctx context.Context, roomName string, entry domain.PresenceEntry, sink ports.FrameSink) (*domain.Room, error) {
	name := validation.NormalizeRoomName(roomName)
	if err := validation.ValidateRoomName(name); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error()).WithContext("room", roomName)
	}

	ctx, span := tracing.TraceRoomOperation(ctx, "join", name)
	defer span.End()

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	room, err := s.rooms.GetOrCreate(storeCtx, name, entry.Identity.UserID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("resolve room %s: %w", name, err)
	}

	s.send(sink, roomJoinedFrame{
		Type:         domain.FrameRoomJoined,
		Room:         roomRef{ID: room.ID, Name: room.Name},
		ConnectionID: entry.ConnectionID,
	}, domain.FrameRoomJoined)

	m := &member{entry: entry, sink: sink, joining: true}
	s.mu.Lock()
	roomMembers, ok := s.members[room.ID]
	if !ok {
		roomMembers = make(map[domain.ConnectionID]*member)
		s.members[room.ID] = roomMembers
	}
	roomMembers[entry.ConnectionID] = m
	s.mu.Unlock()

	sent := make(map[domain.MessageID]struct{})
	if s.cfg.BackfillLimit > 0 {
		history, err := s.messages.ListByRoom(storeCtx, room.ID, s.cfg.BackfillLimit)
		if err != nil {
			s.logger.Warnw("Backfill failed", "room_id", room.ID, "error", err)
		}
		for _, msg := range history {
			sent[msg.ID] = struct{}{}
			s.send(sink, roomMessageFrame{Type: domain.FrameRoomMessage, Message: msg, Backfill: true}, domain.FrameRoomMessage)
		}
	}
	for _, ft := range m.release(sent) {
		s.dropped(ft)
	}

	s.logger.Infow("Joined room",
		"room_id", room.ID,
		"room", room.Name,
		"connection_id", entry.ConnectionID,
		"user_id", entry.DisplayID,
	)
	s.publishPresence(room.ID)
	return room, nil
}

func (s *presenceService) Leave(roomID domain.RoomID, connID domain.ConnectionID) {
	s.mu.Lock()
	roomMembers, ok := s.members[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := roomMembers[connID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(roomMembers, connID)
	if len(roomMembers) == 0 {
		delete(s.members, roomID)
	}
	s.mu.Unlock()

	s.logger.Infow("Left room", "room_id", roomID, "connection_id", connID)
	s.publishPresence(roomID)
}

// PublishTranscript persists a message and fans it out to every other member.
func (s *presenceService) PublishTranscript(ctx context.Context, roomID domain.RoomID, from domain.PresenceEntry, role domain.Role, content string) (*domain.Message, error) {
	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}
	if err := validation.ValidateMessageContent(content); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmptyMessage, err)
	}
	if !s.isMember(roomID, from.ConnectionID) {
		return nil, domain.ErrNotMember
	}

	ctx, span := tracing.TraceRoomOperation(ctx, "publish", string(roomID))
	defer span.End()

	msg := &domain.Message{
		ID:        domain.MessageID(uuid.New().String()),
		RoomID:    roomID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if role != domain.RoleSystem && !from.Identity.Anonymous {
		msg.AuthorID = from.Identity.UserID
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.messages.Append(storeCtx, msg); err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("persist message: %w", err)
	}
	if s.observer != nil {
		s.observer.MessagePersisted(role)
	}

	frame, err := json.Marshal(roomMessageFrame{Type: domain.FrameRoomMessage, Message: msg})
	if err != nil {
		return msg, fmt.Errorf("encode room message: %w", err)
	}
	s.fanOut(roomID, from.ConnectionID, heldFrame{frame: frame, frameType: domain.FrameRoomMessage, messageID: msg.ID})

	if s.bus != nil {
		if err := s.bus.Broadcast(ctx, roomID, frame); err != nil {
			s.logger.Warnw("Cross-instance broadcast failed", "room_id", roomID, "error", err)
		}
	}
	return msg, nil
}

// PublishSpeaking announces that a member's assistant started or stopped speaking.
func (s *presenceService) PublishSpeaking(roomID domain.RoomID, from domain.ConnectionID, speaking bool) {
	frame, err := json.Marshal(roomSpeakingFrame{
		Type:         domain.FrameRoomSpeaking,
		RoomID:       roomID,
		ConnectionID: from,
		Speaking:     speaking,
	})
	if err != nil {
		s.logger.Errorw("Failed to encode speaking frame", "error", err)
		return
	}
	s.fanOut(roomID, from, heldFrame{frame: frame, frameType: domain.FrameRoomSpeaking})
}

// DeliverRemote hands a frame published on another instance to local members.
func (s *presenceService) DeliverRemote(roomID domain.RoomID, frame []byte) {
	f := heldFrame{frame: frame, frameType: domain.FrameRoomMessage}
	var decoded roomMessageFrame
	if err := json.Unmarshal(frame, &decoded); err == nil && decoded.Message != nil {
		f.messageID = decoded.Message.ID
	}
	s.fanOut(roomID, "", f)
}

// Participants returns the room's members ordered by join time.
func (s *presenceService) Participants(roomID domain.RoomID) []domain.PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participantsLocked(roomID)
}

func (s *presenceService) participantsLocked(roomID domain.RoomID) []domain.PresenceEntry {
	roomMembers := s.members[roomID]
	entries := make([]domain.PresenceEntry, 0, len(roomMembers))
	for _, m := range roomMembers {
		entries = append(entries, m.entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].ConnectionID < entries[j].ConnectionID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries
}

func (s *presenceService) isMember(roomID domain.RoomID, connID domain.ConnectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[roomID][connID]
	return ok
}

func (s *presenceService) publishPresence(roomID domain.RoomID) {
	s.mu.RLock()
	participants := s.participantsLocked(roomID)
	s.mu.RUnlock()

	if s.observer != nil {
		s.observer.SetParticipants(roomID, len(participants))
	}

	frame, err := json.Marshal(roomPresenceFrame{
		Type:         domain.FrameRoomPresence,
		RoomID:       roomID,
		Count:        len(participants),
		Participants: participants,
	})
	if err != nil {
		s.logger.Errorw("Failed to encode presence frame", "error", err)
		return
	}
	s.fanOut(roomID, "", heldFrame{frame: frame, frameType: domain.FrameRoomPresence})
}

// fanOut sends f to every member except the one identified by skip.
// Slow members drop the frame.
func (s *presenceService) fanOut(roomID domain.RoomID, skip domain.ConnectionID, f heldFrame) {
	s.mu.RLock()
	targets := make([]*member, 0, len(s.members[roomID]))
	for id, m := range s.members[roomID] {
		if id == skip {
			continue
		}
		targets = append(targets, m)
	}
	s.mu.RUnlock()

	for _, m := range targets {
		if !m.deliver(f) {
			s.dropped(f.frameType)
		}
	}
}

func (s *presenceService) send(sink ports.FrameSink, v interface{}, ft domain.FrameType) {
	frame, err := json.Marshal(v)
	if err != nil {
		s.logger.Errorw("Failed to encode room frame", "frame_type", ft, "error", err)
		return
	}
	if !sink.TrySend(frame) {
		s.dropped(ft)
	}
}

func (s *presenceService) dropped(ft domain.FrameType) {
	if s.observer != nil {
		s.observer.BroadcastDropped(ft)
	}
	s.logger.Debugw("Dropped room frame for slow member", "frame_type", ft)
}
