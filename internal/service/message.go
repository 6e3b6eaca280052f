package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mentorchat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	recentRoomLimit    = 20
	recentMessageLimit = 100
)

// MessageService is the durable record of chat messages and their
// per-member delivery receipts.
type MessageService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db, now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }}
}

// Create stores a message and one receipt per current durable member of the
// room in a single transaction. Membership and authorization are checked by
// the caller.
func (s *MessageService) Create(ctx context.Context, roomID, senderID uint, body string) (*models.Message, []models.MessageDelivery, error) {
	content := strings.TrimSpace(body)
	if content == "" {
		return nil, nil, ErrEmptyContent
	}
	now := s.now()
	msg := models.Message{ChatRoomID: roomID, SenderID: &senderID, Content: content, CreatedAt: now, UpdatedAt: now}
	var receipts []models.MessageDelivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		var memberIDs []uint
		if err := tx.Model(&models.ChatRoomMember{}).
			Where("chat_room_id = ?", roomID).
			Order("user_id").
			Pluck("user_id", &memberIDs).Error; err != nil {
			return fmt.Errorf("load members: %w", err)
		}
		var err error
		receipts, err = s.FanoutReceipts(tx, &msg, memberIDs)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return &msg, receipts, nil
}

// FanoutReceipts writes one receipt per member with delivered_at set to the
// message creation time. It must run inside the transaction that created msg.
func (s *MessageService) FanoutReceipts(tx *gorm.DB, msg *models.Message, memberIDs []uint) ([]models.MessageDelivery, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}
	receipts := make([]models.MessageDelivery, 0, len(memberIDs))
	for _, uid := range memberIDs {
		receipts = append(receipts, models.MessageDelivery{
			MessageID:   msg.ID,
			UserID:      uid,
			DeliveredAt: msg.CreatedAt,
		})
	}
	if err := tx.Omit(clause.Associations).Create(&receipts).Error; err != nil {
		return nil, fmt.Errorf("insert receipts: %w", err)
	}
	return receipts, nil
}

// MarkRead sets read_at on the receipt for (messageID, userID). A missing
// receipt is not an error: it returns (nil, nil) and writes nothing.
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID uint, at time.Time) (*models.MessageDelivery, error) {
	var d models.MessageDelivery
	err := s.db.WithContext(ctx).
		Preload("Message").
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	at = at.UTC().Truncate(time.Microsecond)
	if err := s.db.WithContext(ctx).Model(&models.MessageDelivery{}).
		Where("id = ?", d.ID).
		Update("read_at", at).Error; err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	d.ReadAt = &at
	return &d, nil
}

// Receipts lists the receipts of one message ordered by user.
func (s *MessageService) Receipts(ctx context.Context, messageID uint) ([]models.MessageDelivery, error) {
	var out []models.MessageDelivery
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Order("user_id").Find(&out).Error
	return out, err
}

// HistoryPage is one keyset page of room history, newest first.
type HistoryPage struct {
	Messages   []models.Message
	NextCursor string
}

// ListHistory returns non-deleted messages of a room ordered by
// (created_at desc, id desc), starting strictly after cursor.
func (s *MessageService) ListHistory(ctx context.Context, roomID uint, cursor string, limit int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	q := s.db.WithContext(ctx).Where("chat_room_id = ? AND deleted = ?", roomID, false)
	if cursor != "" {
		ts, id, err := DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", ts, ts, id)
	}
	var msgs []models.Message
	if err := q.Order("created_at desc").Order("id desc").Limit(limit + 1).Find(&msgs).Error; err != nil {
		return nil, err
	}
	page := &HistoryPage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		last := page.Messages[limit-1]
		page.NextCursor = EncodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

// ListRecentForUser returns the newest non-deleted messages across the 20
// most recently created rooms userID is a member of, at most 100, newest
// first.
func (s *MessageService) ListRecentForUser(ctx context.Context, userID uint) ([]models.Message, error) {
	db := s.db.WithContext(ctx)
	var roomIDs []uint
	err := db.Model(&models.ChatRoom{}).
		Joins("JOIN chat_room_members ON chat_room_members.chat_room_id = chat_rooms.id").
		Where("chat_room_members.user_id = ?", userID).
		Order("chat_rooms.created_at desc").Order("chat_rooms.id desc").
		Limit(recentRoomLimit).
		Pluck("chat_rooms.id", &roomIDs).Error
	if err != nil {
		return nil, err
	}
	if len(roomIDs) == 0 {
		return []models.Message{}, nil
	}
	var msgs []models.Message
	err = db.Where("chat_room_id IN ? AND deleted = ?", roomIDs, false).
		Order("created_at desc").Order("id desc").
		Limit(recentMessageLimit).
		Find(&msgs).Error
	return msgs, err
}
