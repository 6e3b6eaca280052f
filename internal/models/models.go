package models

import "time"

// RoomKind distinguishes one-to-one rooms from group rooms.
type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	FirstName    string `gorm:"size:128;not null"`
	LastName     string `gorm:"size:128"`
	PasswordHash string `gorm:"not null"`
	IsActive     bool   `gorm:"not null;default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RefreshToken struct {
	ID        uint       `gorm:"primaryKey"`
	UserID    uint       `gorm:"index;not null"`
	Token     string     `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time  `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

// ChatRoom is the durable room record. Direct rooms are named from the
// participant pair, see service.DirectRoomName.
type ChatRoom struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:255;not null" json:"name"`
	Kind      RoomKind  `gorm:"size:16;not null;default:direct" json:"chat_type"`
	IsPublic  bool      `gorm:"not null;default:false" json:"is_public"`
	CreatedBy *uint     `gorm:"index" json:"created_by"`
	CreatedAt time.Time `json:"date_created"`
	UpdatedAt time.Time `json:"last_modified"`

	Members []ChatRoomMember `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// ChatRoomMember grants durable read/write access to a room.
type ChatRoomMember struct {
	ID         uint      `gorm:"primaryKey"`
	ChatRoomID uint      `gorm:"uniqueIndex:ux_room_member;not null"`
	UserID     uint      `gorm:"uniqueIndex:ux_room_member;index;not null"`
	IsAdmin    bool      `gorm:"not null;default:false"`
	JoinedAt   time.Time `gorm:"not null"`
}

// Message is immutable after creation except for Edited and Deleted.
type Message struct {
	ID         uint      `gorm:"primaryKey"`
	ChatRoomID uint      `gorm:"index:idx_msg_room_created,priority:1;not null"`
	SenderID   *uint     `gorm:"index"`
	Content    string    `gorm:"type:text;not null"`
	Edited     bool      `gorm:"not null;default:false"`
	Deleted    bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"index:idx_msg_room_created,priority:2;not null"`
	UpdatedAt  time.Time

	// Sender goes NULL when the account is deleted; the message stays.
	Sender *User `gorm:"constraint:OnDelete:SET NULL"`
}

// MessageDelivery is the per-recipient receipt of a message.
type MessageDelivery struct {
	ID          uint      `gorm:"primaryKey"`
	MessageID   uint      `gorm:"uniqueIndex:ux_message_user;not null"`
	UserID      uint      `gorm:"uniqueIndex:ux_message_user;not null"`
	DeliveredAt time.Time `gorm:"not null"`
	ReadAt      *time.Time

	Message Message `gorm:"constraint:OnDelete:CASCADE"`
}

// All lists every model for auto-migration.
func All() []any {
	return []any{
		&User{},
		&RefreshToken{},
		&ChatRoom{},
		&ChatRoomMember{},
		&Message{},
		&MessageDelivery{},
	}
}
