package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"dev.helix.conductor/internal/observability/metrics"
)

// Metrics records the request histogram keyed by route template, so path
// parameters never explode label cardinality.
func Metrics(c *metrics.Collector) gin.HandlerFunc {
	return func(g *gin.Context) {
		start := time.Now()
		c.HTTPInFlight.Inc()
		g.Next()
		c.HTTPInFlight.Dec()

		route := g.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.ObserveHTTP(g.Request.Method, route, g.Writer.Status(), time.Since(start))
	}
}
