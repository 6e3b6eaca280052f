package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mentorchat/internal/auth"
	"mentorchat/internal/dbtest"
	"mentorchat/internal/event"
	"mentorchat/internal/models"
	"mentorchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "gateway-test-secret"

type published struct {
	roomID uint
	evt    event.Event
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *fakePublisher) PublishRoom(_ context.Context, roomID uint, evt event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{roomID: roomID, evt: evt})
	return nil
}

func (p *fakePublisher) Events() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type gatewayEnv struct {
	gdb *gorm.DB
	gw  *Gateway
	reg *Registry
	pub *fakePublisher
}

func newGatewayEnv(t *testing.T, framesPerSecond int) *gatewayEnv {
	t.Helper()
	gdb := dbtest.New(t)
	reg := NewRegistry()
	pub := &fakePublisher{}
	gw := NewGateway(
		auth.NewAuthenticator(gdb, testSecret),
		service.NewRoomService(gdb, reg),
		service.NewMessageService(gdb),
		reg,
		pub,
		framesPerSecond,
	)
	return &gatewayEnv{gdb: gdb, gw: gw, reg: reg, pub: pub}
}

func token(t *testing.T, u *models.User) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(u.ID, testSecret, 5)
	require.NoError(t, err)
	return tok
}

func (e *gatewayEnv) open(t *testing.T, u *models.User) (*Session, *fakeHandle) {
	t.Helper()
	h := &fakeHandle{}
	tok := token(t, u)
	user, err := e.gw.auth.Authenticate(context.Background(), tok)
	require.NoError(t, err)
	return e.gw.Attach(user, tok, h), h
}

func frame(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func do(t *testing.T, s *Session, v map[string]any) {
	t.Helper()
	require.NoError(t, s.HandleFrame(context.Background(), frame(t, v)))
}

func TestGateway_DirectRoomScenario(t *testing.T) {
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	bob := dbtest.User(t, env.gdb, "bob@example.com")
	sa, ha := env.open(t, alice)
	sb, hb := env.open(t, bob)

	do(t, sa, map[string]any{"action": "join_room", "recipient_id": bob.ID})
	joinedA := ha.Last()
	require.Equal(t, event.ActionJoinedRoom, joinedA.Action)
	require.NotZero(t, joinedA.RoomID)
	assert.Equal(t, StateInRoom, sa.State())

	do(t, sb, map[string]any{"action": "join_room", "recipient_id": alice.ID})
	joinedB := hb.Last()
	require.Equal(t, event.ActionJoinedRoom, joinedB.Action)
	assert.Equal(t, joinedA.RoomID, joinedB.RoomID)

	var rooms int64
	require.NoError(t, env.gdb.Model(&models.ChatRoom{}).Count(&rooms).Error)
	assert.Equal(t, int64(1), rooms)
	var members int64
	require.NoError(t, env.gdb.Model(&models.ChatRoomMember{}).Where("chat_room_id = ?", joinedA.RoomID).Count(&members).Error)
	assert.Equal(t, int64(2), members)
	assert.Equal(t, 2, env.reg.Present(joinedA.RoomID))
}

func TestGateway_EmptyContentRejected(t *testing.T) {
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	room := dbtest.Room(t, env.gdb, "r", false, alice)
	sa, ha := env.open(t, alice)

	do(t, sa, map[string]any{"action": "send_message", "room_id": room.ID, "content": "   \t"})
	assert.Equal(t, event.Error("Message content cannot be empty"), ha.Last())

	var count int64
	require.NoError(t, env.gdb.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, env.pub.Events())
}

func TestGateway_SendAndReadAck(t *testing.T) {
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	bob := dbtest.User(t, env.gdb, "bob@example.com")
	room := dbtest.Room(t, env.gdb, "pair", false, alice, bob)
	sa, ha := env.open(t, alice)
	sb, hb := env.open(t, bob)
	do(t, sa, map[string]any{"action": "join_room", "room_id": room.ID})
	do(t, sb, map[string]any{"action": "join_room", "room_id": room.ID})

	do(t, sa, map[string]any{"action": "send_message", "room_id": room.ID, "content": " hi bob "})
	got := hb.Last()
	require.Equal(t, event.ActionMessage, got.Action)
	require.NotNil(t, got.Message)
	assert.Equal(t, "hi bob", got.Message.Content)
	assert.Equal(t, event.ActionMessage, ha.Last().Action)
	msgID := got.Message.ID

	pubs := env.pub.Events()
	require.Len(t, pubs, 1)
	assert.Equal(t, room.ID, pubs[0].roomID)
	assert.Equal(t, msgID, pubs[0].evt.Message.ID)

	var receipts []models.MessageDelivery
	require.NoError(t, env.gdb.Where("message_id = ?", msgID).Order("user_id").Find(&receipts).Error)
	require.Len(t, receipts, 2)
	assert.True(t, receipts[0].DeliveredAt.Equal(receipts[1].DeliveredAt))

	ackAt := time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
	env.gw.now = func() time.Time { return ackAt }
	do(t, sb, map[string]any{"action": "typing", "message_id": msgID})

	ack := ha.Last()
	require.Equal(t, event.ActionTyping, ack.Action)
	assert.Equal(t, msgID, ack.MessageID)
	assert.Equal(t, bob.ID, ack.UserID)
	assert.Equal(t, room.ID, ack.RoomID)
	require.NotNil(t, ack.ReadAt)
	assert.True(t, ack.ReadAt.Equal(ackAt))

	receipts = nil
	require.NoError(t, env.gdb.Where("message_id = ?", msgID).Find(&receipts).Error)
	for _, r := range receipts {
		if r.UserID == bob.ID {
			require.NotNil(t, r.ReadAt)
			assert.True(t, r.ReadAt.Equal(ackAt))
		} else {
			assert.Nil(t, r.ReadAt)
		}
	}
	assert.Len(t, env.pub.Events(), 2)
}

func TestGateway_ReadAckWithoutReceiptIgnored(t *testing.T) {
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	sa, ha := env.open(t, alice)

	do(t, sa, map[string]any{"action": "typing", "message_id": 12345})
	do(t, sa, map[string]any{"action": "typing"})
	assert.Empty(t, ha.Events())
	assert.Empty(t, env.pub.Events())
}

func TestGateway_Errors(t *testing.T) {
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	bob := dbtest.User(t, env.gdb, "bob@example.com")
	private := dbtest.Room(t, env.gdb, "private", false, bob)
	public := dbtest.Room(t, env.gdb, "public", true, bob)
	sa, ha := env.open(t, alice)

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"not json", `hello`, "Invalid action"},
		{"no action", `{}`, "Invalid action"},
		{"unknown action", `{"action":"dance"}`, "Unknown action"},
		{"join missing room", `{"action":"join_room","room_id":9999}`, "Room does not exist"},
		{"join private room", `{"action":"join_room","room_id":` + itoa(private.ID) + `}`, "Not a member of the room"},
		{"join without target", `{"action":"join_room"}`, "Invalid room or recipient"},
		{"join unknown recipient", `{"action":"join_room","recipient_id":9999}`, "Invalid room or recipient"},
		{"join self", `{"action":"join_room","recipient_id":` + itoa(alice.ID) + `}`, "Invalid room or recipient"},
		{"leave without room", `{"action":"leave_room"}`, "Invalid room"},
		{"send private", `{"action":"send_message","room_id":` + itoa(private.ID) + `,"content":"x"}`, "Not a member or not allowed"},
		{"send missing room", `{"action":"send_message","room_id":9999,"content":"x"}`, "Not a member or not allowed"},
		{"typing indicator private", `{"action":"typing_indicator","room_id":` + itoa(private.ID) + `}`, "Not a member or not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, sa.HandleFrame(context.Background(), []byte(tt.frame)))
			assert.Equal(t, event.Error(tt.want), ha.Last())
			assert.NotEqual(t, StateClosed, sa.State())
		})
	}

	do(t, sa, map[string]any{"action": "join_room", "room_id": public.ID})
	assert.Equal(t, event.JoinedRoom(public.ID), ha.Last())
	do(t, sa, map[string]any{"action": "send_message", "room_id": public.ID, "content": "hello town"})
	assert.Equal(t, event.ActionMessage, ha.Last().Action)
}

func itoa(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestGateway_LeaveRoom(t *testing.T) {
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	r1 := dbtest.Room(t, env.gdb, "one", false, alice)
	r2 := dbtest.Room(t, env.gdb, "two", false, alice)
	sa, ha := env.open(t, alice)

	do(t, sa, map[string]any{"action": "join_room", "room_id": r1.ID})
	do(t, sa, map[string]any{"action": "join_room", "room_id": r2.ID})
	do(t, sa, map[string]any{"action": "join_room", "room_id": r2.ID})
	assert.ElementsMatch(t, []uint{r1.ID, r2.ID}, sa.joined())

	do(t, sa, map[string]any{"action": "leave_room", "room_id": r1.ID})
	assert.Equal(t, event.LeftRoom(r1.ID), ha.Last())
	assert.False(t, env.reg.isPresent(alice.ID, r1.ID))
	assert.True(t, env.reg.isPresent(alice.ID, r2.ID))
	assert.Equal(t, StateInRoom, sa.State())

	do(t, sa, map[string]any{"action": "leave_room", "room_id": r2.ID})
	do(t, sa, map[string]any{"action": "leave_room", "room_id": r2.ID})
	assert.Equal(t, StateConnected, sa.State())
	assert.Equal(t, 1, env.reg.Online())
}

func TestGateway_TypingIndicator(t *testing.T) {
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	bob := dbtest.User(t, env.gdb, "bob@example.com")
	room := dbtest.Room(t, env.gdb, "r", false, alice, bob)
	sa, _ := env.open(t, alice)
	sb, hb := env.open(t, bob)
	do(t, sb, map[string]any{"action": "join_room", "room_id": room.ID})

	do(t, sa, map[string]any{"action": "typing_indicator", "room_id": room.ID, "is_typing": false})
	got := hb.Last()
	assert.Equal(t, event.ActionTypingIndicator, got.Action)
	assert.Equal(t, alice.ID, got.UserID)
	require.NotNil(t, got.IsTyping)
	assert.False(t, *got.IsTyping)

	var count int64
	require.NoError(t, env.gdb.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestGateway_PerFrameAuthentication(t *testing.T) {
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	bob := dbtest.User(t, env.gdb, "bob@example.com")
	room := dbtest.Room(t, env.gdb, "r", false, alice)

	t.Run("rotated token for same user", func(t *testing.T) {
		sa, ha := env.open(t, alice)
		defer sa.Close()
		do(t, sa, map[string]any{"action": "join_room", "room_id": room.ID, "token": token(t, alice)})
		assert.Equal(t, event.JoinedRoom(room.ID), ha.Last())
	})

	t.Run("token of another user", func(t *testing.T) {
		sa, ha := env.open(t, alice)
		do(t, sa, map[string]any{"action": "join_room", "room_id": room.ID})
		err := sa.HandleFrame(context.Background(), frame(t, map[string]any{"action": "leave_room", "room_id": room.ID, "token": token(t, bob)}))
		require.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, event.Error("Could not validate credentials"), ha.Last())

		sa.Close()
		assert.Equal(t, StateClosed, sa.State())
		assert.Equal(t, 1, ha.Closed())
		assert.False(t, env.reg.isPresent(alice.ID, room.ID))
		assert.ErrorIs(t, sa.HandleFrame(context.Background(), []byte(`{}`)), ErrSessionClosed)
	})

	t.Run("expired token", func(t *testing.T) {
		sa, ha := env.open(t, alice)
		expired, err := auth.GenerateAccessToken(alice.ID, testSecret, -1)
		require.NoError(t, err)
		err = sa.HandleFrame(context.Background(), frame(t, map[string]any{"action": "leave_room", "room_id": room.ID, "token": expired}))
		require.ErrorIs(t, err, ErrUnauthorized)
		sa.Close()
		assert.Equal(t, 1, ha.Closed())
	})

	t.Run("user deactivated mid-session", func(t *testing.T) {
		sa, _ := env.open(t, alice)
		require.NoError(t, env.gdb.Model(&models.User{}).Where("id = ?", alice.ID).Update("is_active", false).Error)
		err := sa.HandleFrame(context.Background(), frame(t, map[string]any{"action": "leave_room", "room_id": room.ID}))
		require.ErrorIs(t, err, ErrUnauthorized)
		sa.Close()
		assert.Zero(t, env.reg.Online())
	})
}

func TestGateway_RateLimited(t *testing.T) {
	env := newGatewayEnv(t, 1)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	sa, ha := env.open(t, alice)

	do(t, sa, map[string]any{"action": "leave_room", "room_id": 1})
	do(t, sa, map[string]any{"action": "leave_room", "room_id": 1})
	do(t, sa, map[string]any{"action": "leave_room", "room_id": 1})
	assert.Equal(t, event.Error("Too many requests"), ha.Last())
	assert.NotEqual(t, StateClosed, sa.State())
}

func TestGateway_EvictsPreviousConnection(t *testing.T) {
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	room := dbtest.Room(t, env.gdb, "r", false, alice)

	first, h1 := env.open(t, alice)
	do(t, first, map[string]any{"action": "join_room", "room_id": room.ID})
	second, h2 := env.open(t, alice)
	assert.Equal(t, 1, h1.Closed())

	first.Close()
	assert.Equal(t, 1, env.reg.Online())
	assert.True(t, env.reg.isPresent(alice.ID, room.ID))

	env.reg.BroadcastToRoom(event.LeftRoom(room.ID), room.ID)
	assert.Equal(t, event.LeftRoom(room.ID), h2.Last())

	second.Close()
	assert.Zero(t, env.reg.Online())
}

func TestGateway_SupersededSessionCannotAct(t *testing.T) {
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	room := dbtest.Room(t, env.gdb, "r", false, alice)

	first, h1 := env.open(t, alice)
	second, h2 := env.open(t, alice)
	require.Equal(t, 1, h1.Closed())

	err := first.HandleFrame(context.Background(), frame(t, map[string]any{"action": "join_room", "room_id": room.ID}))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Zero(t, h2.Closed(), "the newer connection must survive")
	assert.True(t, env.reg.IsCurrent(alice.ID, h2))
	assert.False(t, env.reg.isPresent(alice.ID, room.ID))
	assert.Empty(t, h1.Events())

	first.Close()
	do(t, second, map[string]any{"action": "join_room", "room_id": room.ID})
	assert.Equal(t, event.JoinedRoom(room.ID), h2.Last())
	assert.Zero(t, h2.Closed())
}

// hookAuth runs hook before delegating, to interleave work with a frame.
type hookAuth struct {
	Authenticator
	hook func()
}

func (a *hookAuth) Authenticate(ctx context.Context, token string) (*models.User, error) {
	if a.hook != nil {
		a.hook()
	}
	return a.Authenticator.Authenticate(ctx, token)
}

func TestGateway_EvictedMidFrameKeepsNewerConnection(t *testing.T) {
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	room := dbtest.Room(t, env.gdb, "r", false, alice)
	first, _ := env.open(t, alice)

	newer := &fakeHandle{}
	env.gw.auth = &hookAuth{Authenticator: env.gw.auth, hook: func() { env.reg.Connect(alice.ID, newer) }}

	err := first.HandleFrame(context.Background(), frame(t, map[string]any{"action": "join_room", "room_id": room.ID}))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Zero(t, newer.Closed())
	assert.True(t, env.reg.IsCurrent(alice.ID, newer))
	assert.False(t, env.reg.isPresent(alice.ID, room.ID))
}

func TestGateway_PublishFailureNotSurfaced(t *testing.T) {
	env := newGatewayEnv(t, 100)
	env.pub.err = errors.New("broker down")
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	room := dbtest.Room(t, env.gdb, "r", false, alice)
	sa, ha := env.open(t, alice)
	do(t, sa, map[string]any{"action": "join_room", "room_id": room.ID})

	do(t, sa, map[string]any{"action": "send_message", "room_id": room.ID, "content": "still saved"})
	assert.Equal(t, event.ActionMessage, ha.Last().Action)

	var count int64
	require.NoError(t, env.gdb.Model(&models.Message{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGateway_DeliverRemote(t *testing.T) {
	env := newGatewayEnv(t, 100)
	h := &fakeHandle{}
	env.reg.AddToRoom(1, 12, h)

	env.gw.DeliverRemote("room:12", event.LeftRoom(12))
	env.gw.DeliverRemote("room:13", event.LeftRoom(13))
	env.gw.DeliverRemote("bogus", event.LeftRoom(12))
	assert.Len(t, h.Events(), 1)
}

func TestServe_WebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	room := dbtest.Room(t, env.gdb, "r", false, alice)

	r := gin.New()
	r.GET("/ws", Serve(env.gw))
	srv := httptest.NewServer(r)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token(t, alice), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.reg.Online() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.WriteJSON(map[string]any{"action": "join_room", "room_id": room.ID}))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got event.Event
	require.NoError(t, c.ReadJSON(&got))
	assert.Equal(t, event.JoinedRoom(room.ID), got)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return env.reg.Online() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// panicAuth lets the connect-time check through and panics on every frame.
type panicAuth struct {
	user  *models.User
	calls int32
}

func (a *panicAuth) Authenticate(context.Context, string) (*models.User, error) {
	if atomic.AddInt32(&a.calls, 1) > 1 {
		panic("authenticator exploded")
	}
	return a.user, nil
}

func TestServe_PanicReleasesSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newGatewayEnv(t, 100)
	alice := dbtest.User(t, env.gdb, "alice@example.com")
	env.gw.auth = &panicAuth{user: alice}

	r := gin.New()
	r.GET("/ws", Serve(env.gw))
	srv := httptest.NewServer(r)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=any"

	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return env.reg.Online() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.WriteJSON(map[string]any{"action": "leave_room", "room_id": 1}))
	require.Eventually(t, func() bool { return env.reg.Online() == 0 }, 2*time.Second, 10*time.Millisecond)

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	assert.Error(t, err, "the server side must close the socket")
}
