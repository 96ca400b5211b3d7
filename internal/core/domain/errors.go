package domain

import "errors"

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrInvalidRole       = errors.New("invalid message role")
	ErrEmptyMessage      = errors.New("message content is empty")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrSessionClosed     = errors.New("upstream session closed")
	ErrNotMember         = errors.New("connection is not a room member")
)
