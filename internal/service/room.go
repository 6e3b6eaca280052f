package service

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"
	"strings"

	"mentorchat/internal/models"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// PresenceCounter reports how many users are present in a room on this
// process. The connection registry satisfies it.
type PresenceCounter interface {
	Present(roomID uint) int
}

// RoomService owns durable chat-room membership.
type RoomService struct {
	db       *gorm.DB
	presence PresenceCounter
	direct   singleflight.Group
}

func NewRoomService(db *gorm.DB, presence PresenceCounter) *RoomService {
	return &RoomService{db: db, presence: presence}
}

// RoomDTO is the REST view of a room.
type RoomDTO struct {
	ID        uint            `json:"id"`
	Name      string          `json:"name"`
	Kind      models.RoomKind `json:"chat_type"`
	IsPublic  bool            `json:"is_public"`
	CreatedBy *uint           `json:"created_by"`
	Online    int             `json:"online"`
}

func (s *RoomService) toDTO(r models.ChatRoom) RoomDTO {
	online := 0
	if s.presence != nil {
		online = s.presence.Present(r.ID)
	}
	return RoomDTO{ID: r.ID, Name: r.Name, Kind: r.Kind, IsPublic: r.IsPublic, CreatedBy: r.CreatedBy, Online: online}
}

// CreateRoomInput is the explicit room-creation payload.
type CreateRoomInput struct {
	Name     string          `json:"name"`
	Kind     models.RoomKind `json:"chat_type"`
	IsPublic bool            `json:"is_public"`
}

// Create stores a room and makes the creator its admin member.
func (s *RoomService) Create(ctx context.Context, in CreateRoomInput, creatorID uint) (*RoomDTO, error) {
	kind := in.Kind
	if kind == "" {
		kind = models.RoomGroup
	}
	room := models.ChatRoom{Name: strings.TrimSpace(in.Name), Kind: kind, IsPublic: in.IsPublic, CreatedBy: &creatorID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		return tx.Create(&models.ChatRoomMember{
			ChatRoomID: room.ID,
			UserID:     creatorID,
			IsAdmin:    true,
			JoinedAt:   tx.NowFunc(),
		}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrRoomNameTaken
		}
		return nil, err
	}
	dto := s.toDTO(room)
	return &dto, nil
}

// Get loads a room by id.
func (s *RoomService) Get(ctx context.Context, roomID uint) (*models.ChatRoom, error) {
	var room models.ChatRoom
	if err := s.db.WithContext(ctx).First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// GetDTO loads a room the user may read.
func (s *RoomService) GetDTO(ctx context.Context, roomID, userID uint) (*RoomDTO, error) {
	room, err := s.CanAccess(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	dto := s.toDTO(*room)
	return &dto, nil
}

// IsMember reports whether userID is a durable member of roomID.
func (s *RoomService) IsMember(ctx context.Context, roomID, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.ChatRoomMember{}).
		Where("chat_room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	return count > 0, err
}

// CanAccess returns the room when it exists and the user is a member or the
// room is public.
func (s *RoomService) CanAccess(ctx context.Context, roomID, userID uint) (*models.ChatRoom, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.IsPublic {
		return room, nil
	}
	ok, err := s.IsMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}
	return room, nil
}

// ListForUser returns the rooms userID belongs to, newest first.
func (s *RoomService) ListForUser(ctx context.Context, userID uint, offset, limit int) ([]RoomDTO, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	var rooms []models.ChatRoom
	err := s.db.WithContext(ctx).
		Joins("JOIN chat_room_members ON chat_room_members.chat_room_id = chat_rooms.id").
		Where("chat_room_members.user_id = ?", userID).
		Order("chat_rooms.id desc").
		Offset(offset).Limit(limit).
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, s.toDTO(r))
	}
	return out, nil
}

// DirectRoomName derives the name of the direct room between two users. The
// pair is sorted first so either side computes the same name.
func DirectRoomName(emailA, emailB string) string {
	pair := []string{emailA, emailB}
	sort.Strings(pair)
	return base64.URLEncoding.EncodeToString([]byte(strings.Join(pair, "|")))
}

// ResolveDirect returns the direct room between sender and recipientID,
// creating it with both memberships when it does not exist yet.
func (s *RoomService) ResolveDirect(ctx context.Context, sender *models.User, recipientID uint) (*models.ChatRoom, error) {
	if recipientID == 0 || recipientID == sender.ID {
		return nil, ErrInvalidRecipient
	}
	var recipient models.User
	if err := s.db.WithContext(ctx).First(&recipient, recipientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidRecipient
		}
		return nil, err
	}
	name := DirectRoomName(sender.Email, recipient.Email)
	// The shared call outlives any single caller; each caller still stops
	// waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := s.direct.DoChan(name, func() (any, error) {
		return s.findOrCreateDirect(shared, name, sender.ID, recipient.ID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.ChatRoom), nil
	}
}

func (s *RoomService) findByName(ctx context.Context, name string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (s *RoomService) findOrCreateDirect(ctx context.Context, name string, senderID, recipientID uint) (*models.ChatRoom, error) {
	room, err := s.findByName(ctx, name)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return nil, err
	}
	room = &models.ChatRoom{Name: name, Kind: models.RoomDirect, IsPublic: false, CreatedBy: &senderID}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		now := tx.NowFunc()
		members := []models.ChatRoomMember{
			{ChatRoomID: room.ID, UserID: senderID, JoinedAt: now},
			{ChatRoomID: room.ID, UserID: recipientID, JoinedAt: now},
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		// Another instance may have created the same room first.
		if existing, ferr := s.findByName(ctx, name); ferr == nil {
			return existing, nil
		}
		return nil, err
	}
	return room, nil
}

// ReplaceMembers makes userIDs the exact durable member set of a group room.
// Only a room admin may do this; existing rows for kept users are untouched.
func (s *RoomService) ReplaceMembers(ctx context.Context, roomID, actorID uint, userIDs []uint) error {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Kind == models.RoomDirect {
		return ErrDirectRoomFixed
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current []models.ChatRoomMember
		if err := tx.Where("chat_room_id = ?", roomID).Find(&current).Error; err != nil {
			return err
		}
		isAdmin := false
		have := make(map[uint]bool, len(current))
		for _, m := range current {
			have[m.UserID] = true
			if m.UserID == actorID && m.IsAdmin {
				isAdmin = true
			}
		}
		if !isAdmin {
			return ErrNotRoomAdmin
		}
		want := make(map[uint]bool, len(userIDs))
		ids := make([]uint, 0, len(userIDs))
		for _, id := range userIDs {
			if !want[id] {
				want[id] = true
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			var known int64
			if err := tx.Model(&models.User{}).Where("id IN ?", ids).Count(&known).Error; err != nil {
				return err
			}
			if int(known) != len(ids) {
				return ErrInvalidRecipient
			}
		}
		var drop []uint
		for id := range have {
			if !want[id] {
				drop = append(drop, id)
			}
		}
		if len(drop) > 0 {
			if err := tx.Where("chat_room_id = ? AND user_id IN ?", roomID, drop).Delete(&models.ChatRoomMember{}).Error; err != nil {
				return err
			}
		}
		now := tx.NowFunc()
		var add []models.ChatRoomMember
		for id := range want {
			if !have[id] {
				add = append(add, models.ChatRoomMember{ChatRoomID: roomID, UserID: id, JoinedAt: now})
			}
		}
		if len(add) > 0 {
			return tx.Create(&add).Error
		}
		return nil
	})
}
