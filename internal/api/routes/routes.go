package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/voxwire/voxwire/internal/api/handlers"
	"github.com/voxwire/voxwire/internal/api/middleware"
	"github.com/voxwire/voxwire/internal/coordinator"
)

type Deps struct {
	Call        *handlers.CallHandler
	Admin       *handlers.AdminHandler
	Knowledge   *handlers.KnowledgeHandler
	Coordinator *coordinator.Coordinator
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	// Telephony-facing surfaces: the provider cannot send bearer tokens.
	r.GET("/media-stream/:session_id", d.Coordinator.MediaStream)
	r.POST("/calls/status/:session_id", d.Call.StatusCallback)

	// Management API (JWT)
	auth := r.Group("/")
	auth.Use(middleware.JWTAuth())

	auth.POST("/calls", d.Call.Start)
	auth.GET("/calls", d.Call.List)
	auth.GET("/calls/:session_id", d.Call.Get)
	auth.GET("/calls/:session_id/transcript", d.Call.Transcript)

	auth.POST("/knowledge/search", d.Knowledge.Search)

	auth.GET("/sessions/active", d.Admin.ListActive)
	auth.GET("/sessions/:session_id", d.Admin.GetSession)
	auth.POST("/sessions/:session_id/end", d.Admin.EndSession)
}
