package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevemoraco/Kull-sub004/internal/metrics"
)

// Recovery turns a handler panic into a 500 and logs it with the caller's
// user and device so a crash can be tied to a session.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			metrics.PanicsRecovered.WithLabelValues(route).Inc()

			event := log.Error().
				Interface("panic", r).
				Str("method", c.Request.Method).
				Str("route", route).
				Str("request_id", GetRequestID(c)).
				Bytes("stack", debug.Stack())
			if claims, ok := CurrentClaims(c); ok {
				event = event.Str("user_id", claims.UserID).Str("device_id", claims.DeviceID)
			}
			event.Msg("panic recovered")

			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":     "internal_server_error",
				"requestId": GetRequestID(c),
			})
		}()
		c.Next()
	}
}
