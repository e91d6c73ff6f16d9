package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"messenger/internal/auth"
	"messenger/internal/config"
	"messenger/internal/metrics"
	"messenger/internal/mw"
	"messenger/internal/presence"
	"messenger/internal/service"
	"messenger/internal/ws"
)

// SetupRouter wires middleware, REST routes and the websocket endpoint.
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub, pres presence.Store, h *Handler, convSvc *service.ConversationService, eventHandler *service.EventHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.GET("/users/me", h.Me)
	authed.PUT("/users/me", h.UpdateMe)
	authed.PUT("/users/me/status", h.UpdateStatus)

	authed.POST("/conversations", h.CreateConversation)
	authed.GET("/conversations", h.ListConversations)
	authed.GET("/conversations/:id", h.GetConversation)
	authed.PUT("/conversations/:id", h.UpdateConversation)
	authed.GET("/conversations/:id/participants", h.ListParticipants)
	authed.POST("/conversations/:id/participants", h.AddParticipant)
	authed.DELETE("/conversations/:id/participants/:userId", h.RemoveParticipant)
	authed.PUT("/conversations/:id/participants/:userId/role", h.SetRole)
	authed.POST("/conversations/:id/leave", h.LeaveConversation)
	authed.GET("/conversations/:id/messages", h.ListMessages)

	r.GET("/ws", ws.Serve(cfg, db, hub, pres, convSvc, eventHandler))

	return r
}
