package service

import "errors"

// Service-level errors. Callers map them to HTTP statuses or gateway error
// frames with errors.Is.
var (
	ErrEmailTaken         = errors.New("email taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomNameTaken      = errors.New("room name taken")
	ErrNotMember          = errors.New("not a member of the room")
	ErrNotRoomAdmin       = errors.New("not a room admin")
	ErrInvalidRecipient   = errors.New("invalid recipient")
	ErrEmptyContent       = errors.New("message content cannot be empty")
	ErrInvalidCursor      = errors.New("invalid cursor")
	ErrDirectRoomFixed    = errors.New("direct room membership is fixed")
)
