package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
	"voicerelay/internal/infrastructure/repositories/memory"
	apperrors "voicerelay/pkg/errors"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []map[string]interface{}
	full   bool
}

func (s *recordingSink) TrySend(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		panic(err)
	}
	s.frames = append(s.frames, decoded)
	return true
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func (s *recordingSink) last() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

type MockPresenceObserver struct {
	mock.Mock
}

func (m *MockPresenceObserver) SetParticipants(roomID domain.RoomID, count int) {
	m.Called(roomID, count)
}

func (m *MockPresenceObserver) MessagePersisted(role domain.Role) {
	m.Called(role)
}

func (m *MockPresenceObserver) BroadcastDropped(frameType domain.FrameType) {
	m.Called(frameType)
}

type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) Broadcast(ctx context.Context, roomID domain.RoomID, frame []byte) error {
	args := m.Called(ctx, roomID, frame)
	return args.Error(0)
}

type failingMessages struct {
	ports.MessageRepository
}

func (failingMessages) Append(ctx context.Context, msg *domain.Message) error {
	return errors.New("disk full")
}

func newPresence(t *testing.T, messages ports.MessageRepository, bus ports.RoomBroadcaster, observer ports.PresenceObserver) PresenceService {
	t.Helper()
	if messages == nil {
		messages = memory.NewMemoryMessageRepository()
	}
	return NewPresenceService(
		memory.NewMemoryRoomRepository(),
		messages,
		bus,
		observer,
		PresenceConfig{BackfillLimit: 50, WriteTimeout: time.Second},
		zap.NewNop().Sugar(),
	)
}

func entry(conn string, user string) domain.PresenceEntry {
	return domain.NewPresenceEntry(
		domain.ConnectionID(conn),
		domain.Identity{UserID: domain.UserID(user)},
		time.Now(),
	)
}

func TestJoin_SendsJoinedThenPresence(t *testing.T) {
	svc := newPresence(t, nil, nil, nil)
	sink := &recordingSink{}

	room, err := svc.Join(context.Background(), "Lobby", entry("c1", "u1"), sink)
	require.NoError(t, err)
	assert.Equal(t, "lobby", room.Name)

	assert.Equal(t, []string{"room.joined", "room.presence"}, sink.types())
	presence := sink.last()
	assert.Equal(t, float64(1), presence["count"])
	participants := presence["participants"].([]interface{})
	require.Len(t, participants, 1)
	assert.Equal(t, "u1", participants[0].(map[string]interface{})["user_id"])
}

func TestJoin_SameNameSameRoom(t *testing.T) {
	svc := newPresence(t, nil, nil, nil)
	a, err := svc.Join(context.Background(), "standup", entry("c1", "u1"), &recordingSink{})
	require.NoError(t, err)
	b, err := svc.Join(context.Background(), "standup", entry("c2", "u2"), &recordingSink{})
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, svc.Participants(a.ID), 2)
}

func TestJoin_InvalidName(t *testing.T) {
	svc := newPresence(t, nil, nil, nil)
	_, err := svc.Join(context.Background(), "bad room!", entry("c1", "u1"), &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetAppError(err).Code)
}

func TestJoin_BackfillMostRecentInOrder(t *testing.T) {
	messages := memory.NewMemoryMessageRepository()
	svc := NewPresenceService(memory.NewMemoryRoomRepository(), messages, nil, nil,
		PresenceConfig{BackfillLimit: 3, WriteTimeout: time.Second}, zap.NewNop().Sugar())

	author := entry("c1", "u1")
	room, err := svc.Join(context.Background(), "lobby", author, &recordingSink{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := svc.PublishTranscript(context.Background(), room.ID, author, domain.RoleUser, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}

	late := &recordingSink{}
	_, err = svc.Join(context.Background(), "lobby", entry("c2", "u2"), late)
	require.NoError(t, err)

	assert.Equal(t, []string{"room.joined", "room.message", "room.message", "room.message", "room.presence"}, late.types())
	var contents []string
	for _, f := range late.frames[1:4] {
		assert.Equal(t, true, f["backfill"])
		contents = append(contents, f["message"].(map[string]interface{})["content"].(string))
	}
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, contents)
}

// hookedMessages runs onList once, either before or after the history read.
type hookedMessages struct {
	ports.MessageRepository
	onList     func()
	beforeRead bool
	once       sync.Once
}

func (h *hookedMessages) ListByRoom(ctx context.Context, roomID domain.RoomID, limit int) ([]*domain.Message, error) {
	if h.onList == nil {
		return h.MessageRepository.ListByRoom(ctx, roomID, limit)
	}
	if h.beforeRead {
		h.once.Do(h.onList)
	}
	history, err := h.MessageRepository.ListByRoom(ctx, roomID, limit)
	if !h.beforeRead {
		h.once.Do(h.onList)
	}
	return history, err
}

func TestJoin_MessagePublishedDuringBackfillIsDelivered(t *testing.T) {
	for _, beforeRead := range []bool{false, true} {
		t.Run(fmt.Sprintf("published_before_read=%v", beforeRead), func(t *testing.T) {
			messages := &hookedMessages{MessageRepository: memory.NewMemoryMessageRepository(), beforeRead: beforeRead}
			svc := NewPresenceService(memory.NewMemoryRoomRepository(), messages, nil, nil,
				PresenceConfig{BackfillLimit: 10, WriteTimeout: time.Second}, zap.NewNop().Sugar())

			author := entry("c1", "alice")
			room, err := svc.Join(context.Background(), "lobby", author, &recordingSink{})
			require.NoError(t, err)

			var published *domain.Message
			messages.onList = func() {
				msg, err := svc.PublishTranscript(context.Background(), room.ID, author, domain.RoleUser, "said while bob joined")
				require.NoError(t, err)
				published = msg
			}

			bob := &recordingSink{}
			_, err = svc.Join(context.Background(), "lobby", entry("c2", "bob"), bob)
			require.NoError(t, err)
			require.NotNil(t, published)

			assert.Equal(t, []string{"room.joined", "room.message", "room.presence"}, bob.types())
			delivered := bob.frames[1]["message"].(map[string]interface{})
			assert.Equal(t, string(published.ID), delivered["id"])
			assert.Equal(t, beforeRead, bob.frames[1]["backfill"])
		})
	}
}

func TestPublishTranscript_FansOutToOthers(t *testing.T) {
	bus := &MockBroadcaster{}
	bus.On("Broadcast", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	observer := &MockPresenceObserver{}
	observer.On("SetParticipants", mock.Anything, mock.Anything).Return()
	observer.On("MessagePersisted", domain.RoleAssistant).Return()

	svc := newPresence(t, nil, bus, observer)
	alice, bob := &recordingSink{}, &recordingSink{}
	aliceEntry := entry("c1", "alice")
	room, err := svc.Join(context.Background(), "lobby", aliceEntry, alice)
	require.NoError(t, err)
	_, err = svc.Join(context.Background(), "lobby", entry("c2", "bob"), bob)
	require.NoError(t, err)
	alice.reset()
	bob.reset()

	msg, err := svc.PublishTranscript(context.Background(), room.ID, aliceEntry, domain.RoleAssistant, "Hello from the assistant")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), msg.AuthorID)

	assert.Empty(t, alice.types(), "author does not receive its own transcript")
	require.Equal(t, []string{"room.message"}, bob.types())
	assert.Equal(t, false, bob.last()["backfill"])

	bus.AssertCalled(t, "Broadcast", mock.Anything, room.ID, mock.Anything)
	observer.AssertCalled(t, "MessagePersisted", domain.RoleAssistant)
	observer.AssertCalled(t, "SetParticipants", room.ID, 2)
}

func TestPublishTranscript_Validation(t *testing.T) {
	svc := newPresence(t, nil, nil, nil)
	member := entry("c1", "u1")
	room, err := svc.Join(context.Background(), "lobby", member, &recordingSink{})
	require.NoError(t, err)

	_, err = svc.PublishTranscript(context.Background(), room.ID, member, domain.Role("robot"), "hi")
	assert.ErrorIs(t, err, domain.ErrInvalidRole)

	_, err = svc.PublishTranscript(context.Background(), room.ID, member, domain.RoleUser, "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)

	_, err = svc.PublishTranscript(context.Background(), room.ID, entry("c9", "u9"), domain.RoleUser, "hi")
	assert.ErrorIs(t, err, domain.ErrNotMember)
}

func TestPublishTranscript_PersistFailureNotBroadcast(t *testing.T) {
	svc := newPresence(t, failingMessages{memory.NewMemoryMessageRepository()}, nil, nil)
	member := entry("c1", "u1")
	other := &recordingSink{}
	room, err := svc.Join(context.Background(), "lobby", member, &recordingSink{})
	require.NoError(t, err)
	_, err = svc.Join(context.Background(), "lobby", entry("c2", "u2"), other)
	require.NoError(t, err)
	other.reset()

	_, err = svc.PublishTranscript(context.Background(), room.ID, member, domain.RoleUser, "hello")
	assert.Error(t, err)
	assert.Empty(t, other.types())
}

func TestLeave_RepublishesPresence(t *testing.T) {
	svc := newPresence(t, nil, nil, nil)
	stay := &recordingSink{}
	room, err := svc.Join(context.Background(), "lobby", entry("c1", "u1"), stay)
	require.NoError(t, err)
	_, err = svc.Join(context.Background(), "lobby", entry("c2", "u2"), &recordingSink{})
	require.NoError(t, err)
	stay.reset()

	svc.Leave(room.ID, "c2")
	require.Equal(t, []string{"room.presence"}, stay.types())
	assert.Equal(t, float64(1), stay.last()["count"])

	svc.Leave(room.ID, "c2")
	assert.Len(t, stay.types(), 1, "second leave is a no-op")

	svc.Leave(room.ID, "c1")
	assert.Empty(t, svc.Participants(room.ID))
}

func TestPublishSpeaking_SkipsSender(t *testing.T) {
	svc := newPresence(t, nil, nil, nil)
	speaker, listener := &recordingSink{}, &recordingSink{}
	room, err := svc.Join(context.Background(), "lobby", entry("c1", "u1"), speaker)
	require.NoError(t, err)
	_, err = svc.Join(context.Background(), "lobby", entry("c2", "u2"), listener)
	require.NoError(t, err)
	speaker.reset()
	listener.reset()

	svc.PublishSpeaking(room.ID, "c1", true)
	assert.Empty(t, speaker.types())
	require.Equal(t, []string{"room.speaking"}, listener.types())
	assert.Equal(t, true, listener.last()["speaking"])
	assert.Equal(t, "c1", listener.last()["connection_id"])
}

func TestFanOut_SlowMemberDropsFrame(t *testing.T) {
	observer := &MockPresenceObserver{}
	observer.On("SetParticipants", mock.Anything, mock.Anything).Return()
	observer.On("BroadcastDropped", domain.FrameRoomSpeaking).Return()

	svc := newPresence(t, nil, nil, observer)
	slow := &recordingSink{}
	room, err := svc.Join(context.Background(), "lobby", entry("c1", "u1"), &recordingSink{})
	require.NoError(t, err)
	_, err = svc.Join(context.Background(), "lobby", entry("c2", "u2"), slow)
	require.NoError(t, err)

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	svc.PublishSpeaking(room.ID, "c1", true)
	observer.AssertCalled(t, "BroadcastDropped", domain.FrameRoomSpeaking)
}

func TestDeliverRemote_ReachesAllLocalMembers(t *testing.T) {
	svc := newPresence(t, nil, nil, nil)
	a, b := &recordingSink{}, &recordingSink{}
	room, err := svc.Join(context.Background(), "lobby", entry("c1", "u1"), a)
	require.NoError(t, err)
	_, err = svc.Join(context.Background(), "lobby", entry("c2", "u2"), b)
	require.NoError(t, err)
	a.reset()
	b.reset()

	svc.DeliverRemote(room.ID, []byte(`{"type":"room.message","message":{"content":"remote"},"backfill":false}`))
	assert.Equal(t, []string{"room.message"}, a.types())
	assert.Equal(t, []string{"room.message"}, b.types())
}
