package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/database"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// checkpointReads loads checkpoints for the review queue.
type checkpointReads interface {
	Get(ctx context.Context, id string) (*models.Checkpoint, error)
	List(ctx context.Context, taskID string, status models.CheckpointStatus) ([]*models.Checkpoint, error)
}

// decider resolves a pending checkpoint with a reviewer action.
type decider interface {
	Decide(ctx context.Context, id string, action models.DecisionAction, decidedBy, feedback string) (*database.DecisionOutcome, error)
}

// CheckpointHandler serves the human review endpoints.
type CheckpointHandler struct {
	checkpoints checkpointReads
	engine      decider
	log         *logrus.Entry
}

// NewCheckpointHandler wires the checkpoint endpoints.
func NewCheckpointHandler(checkpoints checkpointReads, engine decider, log *logrus.Logger) *CheckpointHandler {
	return &CheckpointHandler{
		checkpoints: checkpoints,
		engine:      engine,
		log:         log.WithField("component", "handlers.checkpoint"),
	}
}

// List handles GET /checkpoints. Both task_id and status filters are
// optional; reviewers usually ask for status=pending.
func (h *CheckpointHandler) List(c *gin.Context) {
	cps, err := h.checkpoints.List(c.Request.Context(), c.Query("task_id"), models.CheckpointStatus(c.Query("status")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps, "count": len(cps)})
}

// Get handles GET /checkpoints/:id.
func (h *CheckpointHandler) Get(c *gin.Context) {
	cp, err := h.checkpoints.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

// Decision handles POST /checkpoints/:id/decision. Approve resumes the
// task, correct spawns a retry subtask, reject fails the task; the outcome
// reports what the decision did.
func (h *CheckpointHandler) Decision(c *gin.Context) {
	var req api.DecisionRequest
	if !bindJSON(c, &req) {
		return
	}
	out, err := h.engine.Decide(c.Request.Context(), c.Param("id"), models.DecisionAction(req.Action), req.DecidedBy, req.Feedback)
	if err != nil {
		fail(c, err)
		return
	}

	resp := gin.H{
		"checkpoint":    out.Checkpoint,
		"task_id":       out.TaskID,
		"task_resumed":  out.TaskResumed,
		"task_failed":   out.TaskFailed,
		"task_progress": out.TaskProgress,
	}
	if out.Correction != nil {
		resp["correction"] = out.Correction
	}
	if len(out.Skipped) > 0 {
		resp["skipped"] = out.Skipped
	}
	if len(out.Cancelled) > 0 {
		resp["cancelled"] = out.Cancelled
	}
	c.JSON(http.StatusOK, resp)
}

// RegisterCheckpointRoutes registers the human review routes.
func RegisterCheckpointRoutes(r *gin.RouterGroup, h *CheckpointHandler) {
	checkpoints := r.Group("/checkpoints")
	{
		checkpoints.GET("", h.List)
		checkpoints.GET("/:id", h.Get)
		checkpoints.POST("/:id/decision", h.Decision)
	}
}
