package auth

import (
	"context"
	"time"

	"mentorchat/internal/models"

	"gorm.io/gorm"
)

func SaveRefreshToken(ctx context.Context, db *gorm.DB, userID uint, token string, expiresAt time.Time) error {
	rt := models.RefreshToken{UserID: userID, Token: token, ExpiresAt: expiresAt.UTC()}
	return db.WithContext(ctx).Create(&rt).Error
}

// ConsumeRefreshToken revokes a live refresh token and returns its owner.
// The conditional update makes a token single use even when two refreshes
// race.
func ConsumeRefreshToken(ctx context.Context, db *gorm.DB, token string) (uint, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("token = ? AND revoked_at IS NULL AND expires_at > ?", token, now).
		Update("revoked_at", now)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrInvalidToken
	}
	var rt models.RefreshToken
	if err := db.WithContext(ctx).Select("user_id").Where("token = ?", token).First(&rt).Error; err != nil {
		return 0, err
	}
	return rt.UserID, nil
}
