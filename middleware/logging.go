package middleware

import (
	"strings"
	"time"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

const TraceIDHeader = "X-Trace-ID"

// SessionIDKey is the gin context key under which authenticated handlers
// record the session id for the access log.
const SessionIDKey = "session_id"

// GetTraceID returns the trace id of the active span when TracingMiddleware
// ran first, then the X-Trace-ID header, then a freshly generated id.
func GetTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if traceID := c.GetHeader(TraceIDHeader); traceID != "" {
		return traceID
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// LoggingMiddleware creates a Gin middleware for structured access logging
// with Zerolog. A trace-scoped logger is injected into the request context,
// where pkgzerolog.FromContext picks it up.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		traceID := GetTraceID(c)
		c.Set("trace_id", traceID)

		// WithContext tags the logger with trace and span ids when a span is
		// active; without one the fallback trace id is attached here.
		ctx := pkgzerolog.WithContext(c.Request.Context())
		if !trace.SpanContextFromContext(ctx).IsValid() {
			l := pkgzerolog.FromContext(ctx).With().Str("trace_id", traceID).Logger()
			ctx = l.WithContext(ctx)
		}
		c.Request = c.Request.WithContext(ctx)
		logger := pkgzerolog.FromContext(ctx)
		c.Header(TraceIDHeader, traceID)

		c.Next()

		statusCode := c.Writer.Status()

		var event *zerolog.Event
		switch {
		case statusCode >= 500:
			event = logger.Error()
		case statusCode >= 400:
			event = logger.Warn()
		default:
			event = logger.Info()
		}

		if sid := c.GetString(SessionIDKey); sid != "" {
			event = event.Str("session_id", sid)
		}
		event.
			Str("method", method).
			Str("path", path).
			Int("status", statusCode).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Msg("HTTP request")
	}
}
