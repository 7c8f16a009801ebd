package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/farmworkhub/consent-service/internal/config"
	"github.com/farmworkhub/consent-service/internal/handlers"
	"github.com/farmworkhub/consent-service/internal/middleware"
)

// SetupRouter configures all API routes
func SetupRouter(
	cfg *config.Config,
	consentHandler *handlers.ConsentHandler,
	registry *prometheus.Registry,
	logger *logrus.Logger,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	adminOnly := middleware.RequireAdminKey(cfg.Security.AdminAPIKey, logger)
	userOnly := middleware.RequireUser(cfg.Security.JWTSecret, logger)

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Public cookie-banner endpoint
	router.POST("/consent", consentHandler.RecordSimpleConsent)

	api := router.Group("/api/consent")
	{
		api.POST("", middleware.OptionalUser(cfg.Security.JWTSecret), consentHandler.RecordConsent)
		api.GET("/health", consentHandler.Health)

		// User-scoped routes
		api.GET("/history", userOnly, consentHandler.GetHistory)
		api.GET("/latest", userOnly, consentHandler.GetLatest)
		api.GET("/valid", userOnly, consentHandler.GetValid)
		api.POST("/withdraw", userOnly, consentHandler.Withdraw)
		api.GET("/export", userOnly, consentHandler.Export)

		// Admin routes
		api.GET("/stats", adminOnly, consentHandler.GetStats)
		api.POST("/cleanup", adminOnly, consentHandler.Cleanup)
		api.POST("/maintenance", adminOnly, consentHandler.Maintenance)
		api.GET("/retention-stats", adminOnly, consentHandler.RetentionStats)
		api.GET("/integrity", adminOnly, consentHandler.Integrity)
	}

	return router
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"ip":     c.ClientIP(),
		}).Info("Request handled")
	}
}
