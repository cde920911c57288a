// Package middleware holds the HTTP chain: recovery, request id, logging,
// CORS, rate limiting, admission control and metrics. Every rejection goes
// out as the same error envelope the handlers use.
package middleware

import (
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/pkg/api"
)

// RequestIDKey is the gin context key carrying the request id.
const RequestIDKey = "request_id"

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = "X-Request-ID"

// Abort writes the canonical error envelope and stops the chain. Handlers
// and the WebSocket upgraders use it too so every rejection looks the same.
func Abort(c *gin.Context, err *apperrors.Error) {
	body := api.ErrorBody{
		Code:      string(err.Code),
		Message:   err.Message,
		Details:   err.Details,
		Retryable: err.Retryable,
	}
	if err.RetryAfter > 0 {
		body.RetryAfter = err.RetryAfter.String()
		c.Header("Retry-After", formatSeconds(err.RetryAfter))
	}
	c.AbortWithStatusJSON(err.HTTPStatus(), api.ErrorEnvelope{Error: body})
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// RequestID reuses the caller's X-Request-ID when present, otherwise mints
// one. The id rides the gin context and the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// Logger emits one structured line per request. Health and metrics probes
// are skipped; they would drown everything else at scrape intervals.
func Logger(log *logrus.Logger) gin.HandlerFunc {
	skip := map[string]struct{}{
		"/health":       {},
		"/health/ready": {},
		"/metrics":      {},
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if _, ok := skip[c.Request.URL.Path]; ok {
			return
		}
		status := c.Writer.Status()
		entry := log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
			"request_id": c.GetString(RequestIDKey),
		})
		switch {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request served")
		}
	}
}

// Recovery turns panics into the 500 envelope instead of a dropped
// connection.
func Recovery(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"panic":      r,
					"path":       c.Request.URL.Path,
					"request_id": c.GetString(RequestIDKey),
					"stack":      string(debug.Stack()),
				}).Error("handler panicked")
				Abort(c, apperrors.Internal(nil))
			}
		}()
		c.Next()
	}
}
