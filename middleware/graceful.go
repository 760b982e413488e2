package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nextrelay/bedrock-proxy/common/graceful"
)

// GracefulTracker counts relays in flight and refuses new ones once the
// server is draining.
func GracefulTracker() gin.HandlerFunc {
	return func(c *gin.Context) {
		if graceful.IsDraining() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   true,
				"message": "server is shutting down",
			})
			return
		}

		done := graceful.BeginRequest()
		defer done()
		c.Next()
	}
}
