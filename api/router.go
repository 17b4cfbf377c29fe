package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sam3web/archive"
	"sam3web/config"
)

func SetupRouter(h *Handler, cfg *config.Config, limiter *RateLimiter) *gin.Engine {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Extracted archive contents, referenced by videoPath in extraction reports.
	if h.zipDir != "" {
		r.Static(archive.PublicPrefix, h.zipDir)
	}

	legacy := r.Group("/api")
	legacy.Use(AuthMiddleware(cfg))
	{
		legacy.POST("/run", limiter.Limit("run", cfg.RateLimitPerMinute, time.Minute), h.handleRun)

		legacy.GET("/history", h.handleListHistory)
		legacy.POST("/history", h.handleAppendHistory)
		legacy.DELETE("/history", h.handleClearHistory)
		legacy.DELETE("/history/:id", h.handleDeleteHistory)

		legacy.POST("/zip", h.handleExtractZip)
	}

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/batches", h.handleCreateBatch)
		v1.GET("/batches", h.handleListBatches)
		v1.GET("/batches/:batchId", h.handleGetBatch)
		v1.POST("/batches/:batchId/tasks/:index/retry", h.handleRetryTask)
	}
	return r
}
