// Package event defines the frames pushed to chat clients. The same JSON
// shape travels over the websocket and over the cross-instance broker.
package event

import (
	"time"

	"mentorchat/internal/models"
)

const (
	ActionJoinedRoom      = "joined_room"
	ActionLeftRoom        = "left_room"
	ActionMessage         = "message"
	ActionTyping          = "typing"
	ActionTypingIndicator = "typing_indicator"
	ActionError           = "error"
)

// Event is an outbound frame. Only the fields relevant to Action are set.
type Event struct {
	Action    string          `json:"action"`
	RoomID    uint            `json:"room_id,omitempty"`
	Message   *MessagePayload `json:"message,omitempty"`
	MessageID uint            `json:"message_id,omitempty"`
	UserID    uint            `json:"user_id,omitempty"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
	IsTyping  *bool           `json:"is_typing,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type MessagePayload struct {
	ID          uint      `json:"id"`
	ChatRoomID  uint      `json:"chat_room_id"`
	SenderID    *uint     `json:"sender_id"`
	Content     string    `json:"content"`
	DateCreated time.Time `json:"date_created"`
	Edited      bool      `json:"edited"`
	Deleted     bool      `json:"deleted"`
}

func NewMessagePayload(m models.Message) MessagePayload {
	return MessagePayload{
		ID:          m.ID,
		ChatRoomID:  m.ChatRoomID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		DateCreated: m.CreatedAt,
		Edited:      m.Edited,
		Deleted:     m.Deleted,
	}
}

func JoinedRoom(roomID uint) Event { return Event{Action: ActionJoinedRoom, RoomID: roomID} }

func LeftRoom(roomID uint) Event { return Event{Action: ActionLeftRoom, RoomID: roomID} }

func NewMessage(m models.Message) Event {
	p := NewMessagePayload(m)
	return Event{Action: ActionMessage, RoomID: m.ChatRoomID, Message: &p}
}

// ReadAck announces that userID has read messageID.
func ReadAck(roomID, messageID, userID uint, at time.Time) Event {
	return Event{Action: ActionTyping, RoomID: roomID, MessageID: messageID, UserID: userID, ReadAt: &at}
}

func TypingIndicator(roomID, userID uint, typing bool) Event {
	return Event{Action: ActionTypingIndicator, RoomID: roomID, UserID: userID, IsTyping: &typing}
}

func Error(msg string) Event { return Event{Action: ActionError, Error: msg} }
