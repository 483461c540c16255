package api

import (
	"flowhost/internal/api/handler"
	"flowhost/internal/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter assembles the host API. The metrics endpoint stays outside the
// token check so scrapers need no workflow credentials.
func NewRouter(h *handler.WorkflowHandler, tokens []string) *gin.Engine {
	router := gin.Default()

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1", middleware.BearerAuth(tokens))
	{
		api.POST("/definitions", h.PublishDefinition)
		api.GET("/definitions/:id", h.GetDefinition)
		api.POST("/workflows/:id/start", h.StartWorkflow)
		api.POST("/triggers/*route", h.Trigger)
		api.GET("/instances/:id", h.GetInstance)
		api.POST("/instances/:id/cancel", h.CancelInstance)
		api.GET("/instances/:id/events", h.StreamEvents)
	}
	return router
}
