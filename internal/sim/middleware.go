package sim

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// noisyPaths are long-lived stream endpoints logged at Debug to keep Info
// clean.
var noisyPaths = map[string]bool{
	"/api/feed/sse":   true,
	"/api/feed/ws":    true,
	"/api/search/sse": true,
	"/metrics":        true,
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.Request.Method == "OPTIONS" {
			return
		}
		log := slog.Info
		if noisyPaths[c.Request.URL.Path] {
			log = slog.Debug
		}
		log("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
