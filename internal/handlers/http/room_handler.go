package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"voicerelay/internal/core/domain"
	"voicerelay/internal/core/ports"
	apperrors "voicerelay/pkg/errors"
	"voicerelay/pkg/validation"
)

const defaultHistoryLimit = 50

// RoomHandler serves the read-only room API.
type RoomHandler struct {
	rooms    ports.RoomRepository
	messages ports.MessageRepository
	presence ports.PresenceService
}

func NewRoomHandler(
	rooms ports.RoomRepository,
	messages ports.MessageRepository,
	presence ports.PresenceService,
) *RoomHandler {
	return &RoomHandler{
		rooms:    rooms,
		messages: messages,
		presence: presence,
	}
}

// SetupRoutes registers the room routes behind the given middlewares.
func (h *RoomHandler) SetupRoutes(router gin.IRouter, middlewares ...gin.HandlerFunc) {
	api := router.Group("/api/v1", middlewares...)
	{
		api.GET("/rooms/:name", h.GetRoom)
		api.GET("/rooms/:name/messages", h.ListMessages)
	}
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, ok := h.lookup(c)
	if !ok {
		return
	}

	participants := h.presence.Participants(room.ID)
	c.JSON(http.StatusOK, gin.H{
		"room":         room,
		"participants": participants,
		"count":        len(participants),
	})
}

func (h *RoomHandler) ListMessages(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			_ = c.Error(apperrors.NewInvalidInputError("limit must be an integer"))
			return
		}
		if err := validation.ValidateLimit(n); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
		limit = n
	}

	room, ok := h.lookup(c)
	if !ok {
		return
	}

	messages, err := h.messages.ListByRoom(c.Request.Context(), room.ID, limit)
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load messages", http.StatusInternalServerError))
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id":  room.ID,
		"messages": messages,
	})
}

func (h *RoomHandler) lookup(c *gin.Context) (*domain.Room, bool) {
	name := validation.NormalizeRoomName(c.Param("name"))
	if err := validation.ValidateRoomName(name); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return nil, false
	}

	room, err := h.rooms.GetByName(c.Request.Context(), name)
	if errors.Is(err, domain.ErrRoomNotFound) {
		_ = c.Error(apperrors.NewNotFoundError("room"))
		return nil, false
	}
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load room", http.StatusInternalServerError))
		return nil, false
	}
	return room, true
}
