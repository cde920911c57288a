package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// pinger checks one dependency's liveness.
type pinger interface {
	Ping(ctx context.Context) error
}

// readyTimeout bounds the readiness probe so a hung dependency cannot hang
// the kubelet.
const readyTimeout = 2 * time.Second

// HealthHandler serves the liveness and readiness probes. These answer in
// plain JSON, not the error envelope; probes key off the status code alone.
type HealthHandler struct {
	db      pinger
	cache   pinger
	version string
}

// NewHealthHandler wires the probe endpoints.
func NewHealthHandler(db, cache pinger, version string) *HealthHandler {
	return &HealthHandler{db: db, cache: cache, version: version}
}

// Live handles GET /health. The process is up; nothing else is claimed.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": h.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /health/ready: both stores must answer a ping before
// the replica takes traffic.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	checks := gin.H{}
	healthy := true
	if err := h.db.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}
	if err := h.cache.Ping(ctx); err != nil {
		checks["cache"] = err.Error()
		healthy = false
	} else {
		checks["cache"] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}
