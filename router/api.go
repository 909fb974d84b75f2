package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulseboardhq/pulseboard/handlers"
	"github.com/pulseboardhq/pulseboard/internal/config"
	"github.com/pulseboardhq/pulseboard/services"
)

// NewGinRouter wires the HTTP adapter around the query engine.
func NewGinRouter(engine *services.Engine) *gin.Engine {
	r := gin.Default()

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := handlers.NewAuthMiddleware(config.App.JWTSecret)
	dashboardHandler := handlers.NewDashboardHandler(engine.Dashboard)
	adminHandler := handlers.NewAdminHandler(engine)

	api := r.Group("/api/v1")
	api.Use(auth.RequireUser())
	{
		api.POST("/dashboards/render", dashboardHandler.Render)
		api.POST("/admin/cache/invalidate", adminHandler.InvalidateCaches)
	}

	return r
}
