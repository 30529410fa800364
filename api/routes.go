package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/devpanel/server"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *Handlers) {
	// Ignore .well-known requests (Chrome DevTools, etc.)
	r.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	api := r.Group("/api")

	api.GET("/health", h.Health)

	// Terminal sync channel; sessions and tabs are only changed through it
	r.GET(server.TerminalWSPath, h.TerminalWebSocket)

	// Read-only views
	api.GET("/terminals/sessions", h.ListTerminalSessions)
	api.GET("/terminals/sessions/:id", h.GetTerminalSession)
	api.GET("/terminals/tabs", h.ListTerminalTabs)

	// Orphan sweep on demand
	api.POST("/terminals/sweep", h.SweepTerminals)

	// Task workspace links (used by the orphan sweep)
	api.GET("/task-workspaces", h.ListTaskWorkspaces)
	api.PUT("/task-workspaces", h.LinkTaskWorkspace)
	api.DELETE("/task-workspaces", h.UnlinkTaskWorkspace)
}
