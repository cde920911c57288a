package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dev.helix.conductor/internal/breaker"
	"dev.helix.conductor/internal/poolmon"
	"dev.helix.conductor/internal/scheduler"
)

// schedulerStats exposes the dispatch loop's counters.
type schedulerStats interface {
	Stats() scheduler.Stats
}

// poolStatus exposes the pool monitor's classification.
type poolStatus interface {
	Snapshot() (poolmon.Pressure, poolmon.Sample)
	BackpressureActive() bool
}

// OpsHandler serves the operational introspection endpoints.
type OpsHandler struct {
	sched    schedulerStats
	pool     poolStatus
	breakers []*breaker.Breaker
}

// NewOpsHandler wires the ops endpoints.
func NewOpsHandler(sched schedulerStats, pool poolStatus, breakers ...*breaker.Breaker) *OpsHandler {
	return &OpsHandler{sched: sched, pool: pool, breakers: breakers}
}

// SchedulerStats handles GET /scheduler/stats.
func (h *OpsHandler) SchedulerStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.sched.Stats())
}

// PoolStatus handles GET /pool/status: pressure classification, the latest
// pool sample and every breaker's counters in one screen.
func (h *OpsHandler) PoolStatus(c *gin.Context) {
	pressure, sample := h.pool.Snapshot()
	stats := make([]breaker.Stats, 0, len(h.breakers))
	for _, b := range h.breakers {
		stats = append(stats, b.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{
		"pressure":     pressure,
		"backpressure": h.pool.BackpressureActive(),
		"sample":       sample,
		"breakers":     stats,
	})
}

// RegisterOpsRoutes registers the operational introspection routes.
func RegisterOpsRoutes(r *gin.RouterGroup, h *OpsHandler) {
	r.GET("/scheduler/stats", h.SchedulerStats)
	r.GET("/pool/status", h.PoolStatus)
}
