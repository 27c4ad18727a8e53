package api

import (
	"clipmux/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// SetupRouter wires the HTTP surface. files may be nil when the storage
// backend hands out its own URLs.
func SetupRouter(proc Processor, prog ProgressReader, files FileServer, cfg *config.Config, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), ZerologLogger(logger), CORS())
	h := NewHandler(proc, prog, files, cfg, logger)

	r.GET("/", h.handleRoot)
	r.GET("/health", h.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	video := r.Group("/api/video")
	{
		limited := video.Group("", RateLimit(cfg.RateLimit, cfg.RateBurst))
		limited.POST("/combine-videos", h.handleCombine)
		limited.POST("/add-audio", h.handleAddAudio)

		video.GET("/progress/:taskId", h.handleGetProgress)
	}

	if files != nil {
		r.GET("/files/*key", h.handleGetFile)
	}
	return r
}
