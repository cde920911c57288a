package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dev.helix.conductor/internal/apperrors"
)

// gate reports whether the pool monitor is in its critical band.
type gate interface {
	BackpressureActive() bool
}

// admissionRetryAfter matches the monitor's sample interval; pressure cannot
// clear faster than the next sample.
const admissionRetryAfter = 5 * time.Second

// Admission sheds write traffic while the connection pools are critical.
// Reads always pass: they are cheap and often served from mirrors.
func Admission(g gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			if g.BackpressureActive() {
				Abort(c, apperrors.Backpressure(admissionRetryAfter))
				return
			}
		}
		c.Next()
	}
}
