package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bromic007/llamafarm-sub004/internal/observability"
)

const (
	headerRequestID = "X-Request-Id"
	headerSessionID = "X-Session-ID"

	ctxRequestID = "request_id"
	ctxSessionID = "session_id"
)

// requestIDMiddleware propagates the caller's X-Request-Id or mints one, so
// every log line and event record of a request shares an id.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Writer.Header().Set(headerRequestID, id)
		c.Next()
	}
}

// sessionIDMiddleware mints a session id when the client sent none and
// echoes it back either way. Handlers that keep per-session state read it
// from the context.
func (s *Server) sessionIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerSessionID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxSessionID, id)
		c.Writer.Header().Set(headerSessionID, id)
		c.Next()
	}
}

// tracingMiddleware opens one span per request and threads its context into
// the handler chain. With tracing disabled the spans record nothing.
func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := s.deps.Tracing.StartSpan(c.Request.Context(), observability.SpanHTTPRequest,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.path", c.Request.URL.Path),
			attribute.String(observability.AttrRequestID, requestID(c)),
			attribute.String(observability.AttrSessionID, sessionID(c)),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

func (s *Server) accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("%s %s -> %d (%s) ip=%s rid=%s",
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start).Round(time.Millisecond),
			clientIP(c.Request),
			requestID(c),
		)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
		}
	}
}

// recoveryMiddleware turns panics into logged 500s with the generic body.
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, rec)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(http.StatusInternalServerError, genericInternalMessage))
			}
		}()
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(ctxRequestID)
}

func sessionID(c *gin.Context) string {
	return c.GetString(ctxSessionID)
}

// clientIP extracts the client IP from common proxy headers or the remote
// address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return strings.Trim(r.RemoteAddr, "[]")
}
