package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"mentorchat/internal/event"
	"mentorchat/internal/metrics"
	"mentorchat/internal/models"
	"mentorchat/internal/pubsub"
	"mentorchat/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Inbound actions.
const (
	actionJoinRoom        = "join_room"
	actionLeaveRoom       = "leave_room"
	actionSendMessage     = "send_message"
	actionTyping          = "typing"
	actionTypingIndicator = "typing_indicator"
)

// Error frame texts sent back to clients.
const (
	errInvalidAction    = "Invalid action"
	errUnknownAction    = "Unknown action"
	errRoomNotFound     = "Room does not exist"
	errNotMember        = "Not a member of the room"
	errInvalidRecipient = "Invalid room or recipient"
	errInvalidRoom      = "Invalid room"
	errEmptyContent     = "Message content cannot be empty"
	errNotAllowed       = "Not a member or not allowed"
	errUnauthorized     = "Could not validate credentials"
	errRateLimited      = "Too many requests"
	errInternal         = "Internal server error"
)

var (
	// ErrUnauthorized ends a session whose token no longer resolves to its user.
	ErrUnauthorized  = errors.New("ws: credentials rejected")
	ErrSessionClosed = errors.New("ws: session closed")
)

// Authenticator resolves a bearer token to an active user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.User, error)
}

// Publisher hands room events to the other instances.
type Publisher interface {
	PublishRoom(ctx context.Context, roomID uint, evt event.Event) error
}

// Gateway interprets the chat action protocol for every websocket session
// on this instance.
type Gateway struct {
	auth      Authenticator
	rooms     *service.RoomService
	messages  *service.MessageService
	registry  *Registry
	publisher Publisher

	framesPerSecond int
	now             func() time.Time
}

func NewGateway(auth Authenticator, rooms *service.RoomService, messages *service.MessageService, registry *Registry, publisher Publisher, framesPerSecond int) *Gateway {
	if framesPerSecond <= 0 {
		framesPerSecond = 20
	}
	return &Gateway{
		auth:            auth,
		rooms:           rooms,
		messages:        messages,
		registry:        registry,
		publisher:       publisher,
		framesPerSecond: framesPerSecond,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Attach registers h for an already authenticated user. A previous
// connection of the same user is evicted.
func (g *Gateway) Attach(user *models.User, token string, h Handle) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		gw:      g,
		h:       h,
		token:   token,
		user:    user,
		limiter: rate.NewLimiter(rate.Limit(g.framesPerSecond), 2*g.framesPerSecond),
		rooms:   make(map[uint]struct{}),
		state:   StateConnected,
	}
	if prev := g.registry.Connect(user.ID, h); prev != nil {
		log.Info().Uint("user_id", user.ID).Str("session", s.ID).Msg("evicting previous connection")
		_ = prev.Close()
	}
	log.Debug().Uint("user_id", user.ID).Str("session", s.ID).Int("online", g.registry.Online()).Msg("ws session opened")
	return s
}

// DeliverRemote hands an event received from the broker to local sessions
// present in the event's room.
func (g *Gateway) DeliverRemote(channel string, evt event.Event) {
	roomID, ok := pubsub.ParseRoomChannel(channel)
	if !ok {
		return
	}
	g.registry.BroadcastToRoom(evt, roomID)
}

// fanout pushes evt to local sessions, then to the broker. It runs only
// after the triggering write has committed.
func (g *Gateway) fanout(ctx context.Context, roomID uint, evt event.Event) {
	g.registry.BroadcastToRoom(evt, roomID)
	if g.publisher == nil {
		return
	}
	if err := g.publisher.PublishRoom(ctx, roomID, evt); err != nil {
		log.Warn().Err(err).Uint("room_id", roomID).Str("action", evt.Action).Msg("publish room event")
	}
}

// State is the lifecycle position of a session.
type State int

const (
	StateConnected State = iota
	StateInRoom
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInRoom:
		return "in_room"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type inbound struct {
	Action      string `json:"action"`
	RoomID      uint   `json:"room_id"`
	RecipientID uint   `json:"recipient_id"`
	Content     string `json:"content"`
	MessageID   uint   `json:"message_id"`
	IsTyping    *bool  `json:"is_typing"`
	Token       string `json:"token"`
}

// Session is one authenticated websocket. It is driven by a single reader
// goroutine and is not safe for concurrent use.
type Session struct {
	ID string

	gw      *Gateway
	h       Handle
	token   string
	user    *models.User
	limiter *rate.Limiter
	rooms   map[uint]struct{}
	state   State
	// superseded is set when a newer connection took over mid-frame.
	superseded bool
}

func (s *Session) State() State { return s.state }

func (s *Session) UserID() uint { return s.user.ID }

// joined lists the rooms this session joined and has not left.
func (s *Session) joined() []uint {
	out := make([]uint, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

func (s *Session) reply(evt event.Event) {
	if err := s.h.Send(evt); err != nil {
		log.Debug().Err(err).Str("session", s.ID).Msg("reply dropped")
	}
}

// HandleFrame processes one inbound frame. A non-nil error is fatal: the
// caller must Close the session.
func (s *Session) HandleFrame(ctx context.Context, data []byte) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if !s.gw.registry.IsCurrent(s.user.ID, s.h) {
		// A newer connection of the same user took over.
		metrics.WsFramesTotal.WithLabelValues("any", "superseded").Inc()
		return ErrSessionClosed
	}
	if !s.limiter.Allow() {
		metrics.WsFramesTotal.WithLabelValues("any", "rate_limited").Inc()
		s.reply(event.Error(errRateLimited))
		return nil
	}

	var f inbound
	parseErr := json.Unmarshal(data, &f)
	if parseErr == nil && f.Token != "" {
		s.token = f.Token
	}
	user, err := s.gw.auth.Authenticate(ctx, s.token)
	if err != nil || user.ID != s.user.ID {
		metrics.WsFramesTotal.WithLabelValues("any", "unauthorized").Inc()
		log.Info().Err(err).Uint("user_id", s.user.ID).Str("session", s.ID).Msg("ws credentials rejected")
		s.reply(event.Error(errUnauthorized))
		return ErrUnauthorized
	}
	s.user = user

	if parseErr != nil || f.Action == "" {
		metrics.WsFramesTotal.WithLabelValues("invalid", "rejected").Inc()
		s.reply(event.Error(errInvalidAction))
		return nil
	}

	var failure string
	switch f.Action {
	case actionJoinRoom:
		failure = s.join(ctx, f)
	case actionLeaveRoom:
		failure = s.leave(f)
	case actionSendMessage:
		failure = s.send(ctx, f)
	case actionTyping:
		failure = s.readAck(ctx, f)
	case actionTypingIndicator:
		failure = s.typing(ctx, f)
	default:
		metrics.WsFramesTotal.WithLabelValues("unknown", "rejected").Inc()
		s.reply(event.Error(errUnknownAction))
		return nil
	}
	if s.superseded {
		metrics.WsFramesTotal.WithLabelValues(f.Action, "superseded").Inc()
		return ErrSessionClosed
	}
	if failure != "" {
		metrics.WsFramesTotal.WithLabelValues(f.Action, "rejected").Inc()
		s.reply(event.Error(failure))
		return nil
	}
	metrics.WsFramesTotal.WithLabelValues(f.Action, "ok").Inc()
	return nil
}

func (s *Session) join(ctx context.Context, f inbound) string {
	roomID := f.RoomID
	if roomID == 0 {
		if f.RecipientID == 0 {
			return errInvalidRecipient
		}
		room, err := s.gw.rooms.ResolveDirect(ctx, s.user, f.RecipientID)
		if err != nil {
			if errors.Is(err, service.ErrInvalidRecipient) {
				return errInvalidRecipient
			}
			log.Error().Err(err).Uint("user_id", s.user.ID).Uint("recipient_id", f.RecipientID).Msg("resolve direct room")
			return errInternal
		}
		roomID = room.ID
	}
	if _, err := s.gw.rooms.CanAccess(ctx, roomID, s.user.ID); err != nil {
		switch {
		case errors.Is(err, service.ErrRoomNotFound):
			return errRoomNotFound
		case errors.Is(err, service.ErrNotMember):
			return errNotMember
		}
		log.Error().Err(err).Uint("room_id", roomID).Msg("check room access")
		return errInternal
	}
	if !s.gw.registry.AddToRoom(s.user.ID, roomID, s.h) {
		s.superseded = true
		return ""
	}
	s.rooms[roomID] = struct{}{}
	s.state = StateInRoom
	s.reply(event.JoinedRoom(roomID))
	return ""
}

func (s *Session) leave(f inbound) string {
	if f.RoomID == 0 {
		return errInvalidRoom
	}
	s.gw.registry.RemoveFromRoom(s.user.ID, f.RoomID)
	delete(s.rooms, f.RoomID)
	if len(s.rooms) == 0 {
		s.state = StateConnected
	}
	s.reply(event.LeftRoom(f.RoomID))
	return ""
}

func (s *Session) send(ctx context.Context, f inbound) string {
	content := strings.TrimSpace(f.Content)
	if content == "" {
		return errEmptyContent
	}
	if _, err := s.gw.rooms.CanAccess(ctx, f.RoomID, s.user.ID); err != nil {
		if errors.Is(err, service.ErrRoomNotFound) || errors.Is(err, service.ErrNotMember) {
			return errNotAllowed
		}
		log.Error().Err(err).Uint("room_id", f.RoomID).Msg("check room access")
		return errInternal
	}
	msg, receipts, err := s.gw.messages.Create(ctx, f.RoomID, s.user.ID, content)
	if err != nil {
		log.Error().Err(err).Uint("room_id", f.RoomID).Uint("user_id", s.user.ID).Msg("persist message")
		return errInternal
	}
	metrics.WsMessagesTotal.Inc()
	metrics.ReceiptsTotal.Add(float64(len(receipts)))
	s.gw.fanout(ctx, msg.ChatRoomID, event.NewMessage(*msg))
	return ""
}

// readAck marks a message read for the session user. Acks for messages the
// user holds no receipt for are ignored.
func (s *Session) readAck(ctx context.Context, f inbound) string {
	d, err := s.gw.messages.MarkRead(ctx, f.MessageID, s.user.ID, s.gw.now())
	if err != nil {
		log.Error().Err(err).Uint("message_id", f.MessageID).Msg("mark read")
		return errInternal
	}
	if d == nil {
		return ""
	}
	roomID := d.Message.ChatRoomID
	s.gw.fanout(ctx, roomID, event.ReadAck(roomID, f.MessageID, s.user.ID, *d.ReadAt))
	return ""
}

func (s *Session) typing(ctx context.Context, f inbound) string {
	if f.RoomID == 0 {
		return errInvalidRoom
	}
	if _, err := s.gw.rooms.CanAccess(ctx, f.RoomID, s.user.ID); err != nil {
		if errors.Is(err, service.ErrRoomNotFound) || errors.Is(err, service.ErrNotMember) {
			return errNotAllowed
		}
		log.Error().Err(err).Uint("room_id", f.RoomID).Msg("check room access")
		return errInternal
	}
	isTyping := f.IsTyping == nil || *f.IsTyping
	s.gw.fanout(ctx, f.RoomID, event.TypingIndicator(f.RoomID, s.user.ID, isTyping))
	return ""
}

// Close ends the session and releases its registry entry unless a newer
// connection of the same user has replaced it. Safe to call more than once.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.rooms = map[uint]struct{}{}
	s.gw.registry.Release(s.user.ID, s.h)
	log.Debug().Uint("user_id", s.user.ID).Str("session", s.ID).Int("online", s.gw.registry.Online()).Msg("ws session closed")
}
