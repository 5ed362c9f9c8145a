package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/spike-crypto/voicebot/internal/api/handlers"
	"github.com/spike-crypto/voicebot/internal/api/middleware"
)

type Deps struct {
	Session      *handlers.SessionHandler
	Turn         *handlers.TurnHandler
	Conversation *handlers.ConversationHandler
	WS           *handlers.WSHandler
	Admin        *handlers.AdminHandler
	Auth         middleware.AuthConfig
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})
	r.GET("/health", d.Admin.Health)

	// identity from the token when present, else the client IP
	open := d.Auth
	open.Required = false
	api := r.Group("/")
	api.Use(middleware.Auth(open))

	api.POST("/session", d.Session.Create)
	api.GET("/session/:session_id/history", d.Session.History)
	api.DELETE("/session/:session_id/history", d.Session.Clear)
	api.GET("/session/:session_id/archive", d.Conversation.ListBySession)
	api.POST("/session/:session_id/turn", d.Turn.Submit)

	// WebSocket
	api.GET("/ws/session/:session_id", d.WS.SessionWS)

	admin := r.Group("/admin")
	strict := d.Auth
	strict.Required = true
	admin.Use(middleware.Auth(strict), middleware.RequireAdmin())

	admin.GET("/providers", d.Admin.Providers)
	admin.GET("/persona", d.Admin.GetPersona)
	admin.PUT("/persona", d.Admin.PutPersona)
}
