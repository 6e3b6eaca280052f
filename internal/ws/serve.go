package ws

import (
	"context"
	"net/http"

	"mentorchat/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Serve upgrades GET /ws?token=... and runs the session until the socket
// closes. Credentials are checked before the upgrade so rejected clients get
// a plain 401.
func Serve(g *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token, _ = auth.BearerToken(c.GetHeader("Authorization"))
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		user, err := g.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "could not validate credentials"})
			return
		}

		wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Uint("user_id", user.ID).Msg("ws upgrade")
			return
		}
		conn := newConn(wsConn)
		go conn.writePump()
		s := g.Attach(user, token, conn)
		g.Run(c.Request.Context(), s, conn)
	}
}

// Run reads frames from conn into s until the socket fails or the session
// hits a fatal error. Registry cleanup always runs.
func (g *Gateway) Run(ctx context.Context, s *Session, conn *Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Uint("user_id", s.UserID()).Str("session", s.ID).Msg("ws session crashed")
		}
		s.Close()
	}()

	conn.prepareRead()
	for {
		data, err := conn.readFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("session", s.ID).Msg("ws read")
			}
			return
		}
		if err := s.HandleFrame(ctx, data); err != nil {
			return
		}
	}
}
