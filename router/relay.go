// Package router wires the HTTP routes of the relay server.
package router

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextrelay/bedrock-proxy/middleware"
	"github.com/nextrelay/bedrock-proxy/relay/controller"
)

// Options selects the optional parts of the route table.
type Options struct {
	// CORSAllowOrigins is a comma separated origin list. Empty disables CORS.
	CORSAllowOrigins string
	// Gatherer exposes /metrics when not nil.
	Gatherer prometheus.Gatherer
}

// SetRelayRouter mounts the relay under mountPath for every method.
func SetRelayRouter(server *gin.Engine, mountPath string, relay *controller.BedrockRelay, opt Options) {
	if opt.Gatherer != nil {
		server.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opt.Gatherer, promhttp.HandlerOpts{})))
	}

	group := server.Group(mountPath)
	if origins := parseOrigins(opt.CORSAllowOrigins); len(origins) > 0 {
		group.Use(corsMiddleware(cors.New(newCORSConfig(origins))))
	}
	group.Use(middleware.GracefulTracker(), middleware.RelayPanicRecover())
	group.Any("/*path", relay.Handle)
}

// corsMiddleware applies handler to every request but answers preflights
// like any other OPTIONS call: 200 {"body":"OK"}, carrying the CORS headers
// when the origin is allowed.
func corsMiddleware(handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodOptions {
			handler(c)
			return
		}

		origWriter := c.Writer
		c.Writer = &headerOnlyWriter{ResponseWriter: origWriter}
		handler(c)
		c.Writer = origWriter

		c.AbortWithStatusJSON(http.StatusOK, gin.H{"body": "OK"})
	}
}

// headerOnlyWriter lets a middleware set headers but never commit a status.
type headerOnlyWriter struct {
	gin.ResponseWriter
}

func (w *headerOnlyWriter) WriteHeader(int) {}
func (w *headerOnlyWriter) WriteHeaderNow() {}

func newCORSConfig(origins []string) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Accept"},
		ExposeHeaders: []string{"X-Amzn-Requestid"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	return corsCfg
}

func parseOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
