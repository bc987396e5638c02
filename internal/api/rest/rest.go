package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/relaypoint/webhook-relay/internal/api/middleware"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig) {
	// Health check endpoint (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Event intake
		v1.POST("/events", handler.PublishEvent)
		v1.POST("/webhooks/:provider", handler.ReceiveProviderEvent)

		// Deliveries
		v1.POST("/deliveries", handler.CreateDelivery)
		v1.GET("/deliveries/:id", handler.GetDelivery)

		// Subscriptions
		v1.POST("/subscriptions", handler.CreateSubscription)
		v1.GET("/subscriptions", handler.ListSubscriptions)
		v1.POST("/subscriptions/:id/disable", handler.DisableSubscription)
		v1.POST("/subscriptions/:id/enable", handler.EnableSubscription)
	}

	// Admin routes (API key or JWT authentication)
	admin := router.Group("/admin", middleware.Auth(authCfg))
	{
		admin.GET("/deliveries", handler.ListDeliveries)
		admin.GET("/deliveries/:id", handler.GetDelivery)
		admin.POST("/deliveries/:id/retry", handler.RetryDelivery)
	}
}
