package server

import (
	"net/http"

	"mentorchat/internal/auth"
	"mentorchat/internal/config"
	clog "mentorchat/internal/log"
	"mentorchat/internal/metrics"
	"mentorchat/internal/mw"
	"mentorchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter wires middleware, the REST API and the websocket endpoint.
func SetupRouter(cfg config.Config, h *Handler, authn *auth.Authenticator, gw *ws.Gateway, limiter *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(clog.AccessLog())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	if limiter != nil {
		r.Use(mw.RateLimit(limiter))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	chat := api.Group("/chat")
	chat.Use(auth.AuthMiddleware(authn))
	chat.POST("/rooms", h.CreateRoom)
	chat.GET("/rooms", h.ListRooms)
	chat.GET("/rooms/messages", h.ListRecentMessages)
	chat.GET("/rooms/:id", h.GetRoom)
	chat.GET("/rooms/:id/messages", h.ListMessages)
	chat.PUT("/rooms/:id/members", h.ReplaceMembers)

	r.GET("/ws", ws.Serve(gw))
	return r
}
