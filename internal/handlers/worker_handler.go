package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// workerRegistry is the fleet surface the worker endpoints sit on.
type workerRegistry interface {
	Register(ctx context.Context, req *api.RegisterWorkerRequest) (*models.Worker, bool, error)
	Heartbeat(ctx context.Context, workerID string, req *api.HeartbeatRequest) (*api.Directives, error)
	Drain(ctx context.Context, workerID string) (*models.Worker, error)
	Get(ctx context.Context, workerID string) (*models.Worker, error)
	List(ctx context.Context, status models.WorkerStatus) ([]*models.Worker, error)
	Counts(ctx context.Context) (map[models.WorkerStatus]int, error)
	HeartbeatInterval() time.Duration
}

// deregisterer takes a worker offline and requeues its assignments.
type deregisterer interface {
	Deregister(ctx context.Context, workerID string) (int, error)
}

// WorkerHandler serves the fleet endpoints.
type WorkerHandler struct {
	registry workerRegistry
	health   deregisterer
	log      *logrus.Entry
}

// NewWorkerHandler wires the worker endpoints.
func NewWorkerHandler(registry workerRegistry, health deregisterer, log *logrus.Logger) *WorkerHandler {
	return &WorkerHandler{
		registry: registry,
		health:   health,
		log:      log.WithField("component", "handlers.worker"),
	}
}

// Register handles POST /workers/register. Registering an existing machine
// id revives the row instead of creating a duplicate, so agents can restart
// without operator cleanup.
func (h *WorkerHandler) Register(c *gin.Context) {
	var req api.RegisterWorkerRequest
	if !bindJSON(c, &req) {
		return
	}
	worker, created, err := h.registry.Register(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, api.RegisterWorkerResponse{
		WorkerID:          worker.ID,
		HeartbeatInterval: h.registry.HeartbeatInterval().String(),
	})
}

// Heartbeat handles POST /workers/:id/heartbeat, the REST fallback for
// agents without a socket. Directives ride back on the response.
func (h *WorkerHandler) Heartbeat(c *gin.Context) {
	var req api.HeartbeatRequest
	if !bindJSON(c, &req) {
		return
	}
	directives, err := h.registry.Heartbeat(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, directives)
}

// List handles GET /workers with an optional status filter.
func (h *WorkerHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	workers, err := h.registry.List(ctx, models.WorkerStatus(c.Query("status")))
	if err != nil {
		fail(c, err)
		return
	}
	counts, err := h.registry.Counts(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "counts": counts})
}

// Get handles GET /workers/:id.
func (h *WorkerHandler) Get(c *gin.Context) {
	worker, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, worker)
}

// Drain handles PUT /workers/:id/drain. The worker finishes what it holds
// but receives nothing new; the drain flag reaches the agent on its next
// heartbeat.
func (h *WorkerHandler) Drain(c *gin.Context) {
	worker, err := h.registry.Drain(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, worker)
}

// Deregister handles DELETE /workers/:id. Live assignments go back to the
// queue; the row survives offline for audit and revival.
func (h *WorkerHandler) Deregister(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.registry.Get(ctx, id); err != nil {
		fail(c, err)
		return
	}
	requeued, err := h.health.Deregister(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker_id": id, "requeued": requeued})
}

// RegisterWorkerRoutes registers the fleet management routes.
func RegisterWorkerRoutes(r *gin.RouterGroup, h *WorkerHandler) {
	workers := r.Group("/workers")
	{
		workers.POST("/register", h.Register)
		workers.POST("/:id/heartbeat", h.Heartbeat)
		workers.GET("", h.List)
		workers.GET("/:id", h.Get)
		workers.PUT("/:id/drain", h.Drain)
		workers.DELETE("/:id", h.Deregister)
	}
}
