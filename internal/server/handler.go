package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"mentorchat/internal/auth"
	"mentorchat/internal/event"
	"mentorchat/internal/models"
	"mentorchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler groups the REST endpoints around the chat core.
type Handler struct {
	userSvc *service.UserService
	roomSvc *service.RoomService
	msgSvc  *service.MessageService
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc}
}

func (h *Handler) Register(c *gin.Context) {
	var req service.RegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.FirstName = strings.TrimSpace(req.FirstName)
	if req.Email == "" || req.Password == "" || req.FirstName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Email) > 255 || !strings.Contains(req.Email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 72 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "email taken"})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "email": result.User.Email},
	})
}

func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	case err != nil:
		log.Error().Err(err).Msg("refresh token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) CreateRoom(c *gin.Context) {
	var req service.CreateRoomInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	// Direct rooms only come from the websocket recipient flow.
	if req.Kind != "" && req.Kind != models.RoomGroup {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_type"})
		return
	}
	userID := auth.GetUserID(c)
	room, err := h.roomSvc.Create(c.Request.Context(), req, userID)
	if err != nil {
		if errors.Is(err, service.ErrRoomNameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "room name taken"})
			return
		}
		log.Error().Err(err).Uint("user_id", userID).Str("name", req.Name).Msg("create room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handler) ListRooms(c *gin.Context) {
	offset, _ := strconv.Atoi(c.Query("offset"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	userID := auth.GetUserID(c)
	rooms, err := h.roomSvc.ListForUser(c.Request.Context(), userID, offset, limit)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("list rooms")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *Handler) GetRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	room, err := h.roomSvc.GetDTO(c.Request.Context(), roomID, auth.GetUserID(c))
	if err != nil {
		writeRoomError(c, err, roomID, "get room")
		return
	}
	c.JSON(http.StatusOK, room)
}

// ListMessages pages through room history, newest first.
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	if _, err := h.roomSvc.CanAccess(c.Request.Context(), roomID, auth.GetUserID(c)); err != nil {
		writeRoomError(c, err, roomID, "list messages access")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.msgSvc.ListHistory(c.Request.Context(), roomID, c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		log.Error().Err(err).Uint("room_id", roomID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	out := make([]event.MessagePayload, 0, len(page.Messages))
	for _, m := range page.Messages {
		out = append(out, event.NewMessagePayload(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out, "next_cursor": page.NextCursor})
}

// ListRecentMessages returns the caller's newest messages across their
// rooms.
func (h *Handler) ListRecentMessages(c *gin.Context) {
	userID := auth.GetUserID(c)
	msgs, err := h.msgSvc.ListRecentForUser(c.Request.Context(), userID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("list recent messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	out := make([]event.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, event.NewMessagePayload(m))
	}
	c.JSON(http.StatusOK, out)
}

// ReplaceMembers sets the full member list of a group room.
func (h *Handler) ReplaceMembers(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	var req struct {
		UserIDs []uint `json:"user_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	userID := auth.GetUserID(c)
	err := h.roomSvc.ReplaceMembers(c.Request.Context(), roomID, userID, req.UserIDs)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, service.ErrNotRoomAdmin):
		c.JSON(http.StatusForbidden, gin.H{"error": "room admin required"})
	case errors.Is(err, service.ErrDirectRoomFixed):
		c.JSON(http.StatusConflict, gin.H{"error": "direct room members cannot change"})
	case errors.Is(err, service.ErrInvalidRecipient):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown user"})
	default:
		writeRoomError(c, err, roomID, "replace members")
	}
}

func roomParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return 0, false
	}
	return uint(id), true
}

func writeRoomError(c *gin.Context, err error, roomID uint, op string) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, service.ErrNotMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of the room"})
	default:
		log.Error().Err(err).Uint("room_id", roomID).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
