package observability

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels requests no route handled, keeping raw paths out of
// metric labels.
const unmatchedRoute = "unmatched"

// Instrument logs and measures every request served by node. The logged
// route is the registered template; the raw path is added only when it
// differs. Event streams log at info when they end.
func Instrument(node string) gin.HandlerFunc {
	logger := Component("http").With().Str("node", node).Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		RecordHTTPRequest(node, c.Request.Method, metricRoute(route), status, elapsed)

		event := requestEvent(logger, status, isStream(c))
		if route == "" {
			event = event.Str("route", unmatchedRoute)
		} else {
			event = event.Str("route", route)
		}
		if raw := c.Request.URL.Path; raw != route {
			event = event.Str("path", raw)
		}
		event.
			Str("method", c.Request.Method).
			Int("status", status).
			Dur("elapsed", elapsed).
			Int("bytes", c.Writer.Size()).
			Bool("bearer", strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ")).
			Str("remote", c.ClientIP()).
			Msg("request")
	}
}

func requestEvent(logger zerolog.Logger, status int, stream bool) *zerolog.Event {
	switch {
	case status >= 500:
		return logger.Error()
	case status >= 400:
		return logger.Warn()
	case stream:
		return logger.Info()
	default:
		return logger.Debug()
	}
}

func isStream(c *gin.Context) bool {
	return strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream")
}

func metricRoute(route string) string {
	if route == "" {
		return unmatchedRoute
	}
	return route
}
