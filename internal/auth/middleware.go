package auth

import (
	"context"
	"errors"
	"net/http"

	"mentorchat/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserInactive = errors.New("user inactive")
)

const ctxUserID = "userID"

// Authenticator resolves a bearer token to an active user. It is shared by
// the REST middleware and the chat gateway, which calls it on every frame.
type Authenticator struct {
	db     *gorm.DB
	secret string
}

func NewAuthenticator(db *gorm.DB, secret string) *Authenticator {
	return &Authenticator{db: db, secret: secret}
}

func (a *Authenticator) Authenticate(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims, err := ParseAccessToken(token, a.secret)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := a.db.WithContext(ctx).First(&user, claims.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}
	return &user, nil
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the caller on the gin context.
func AuthMiddleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		user, err := a.Authenticate(c.Request.Context(), tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "could not validate credentials"})
			return
		}
		c.Set(ctxUserID, user.ID)
		c.Next()
	}
}

// GetUserID returns the caller stored by AuthMiddleware, or 0.
func GetUserID(c *gin.Context) uint {
	return c.GetUint(ctxUserID)
}
