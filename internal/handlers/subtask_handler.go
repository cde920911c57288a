package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/database"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// subtaskReads loads single subtasks.
type subtaskReads interface {
	Get(ctx context.Context, id string) (*models.Subtask, error)
}

// evaluationLister loads a subtask's evaluation history.
type evaluationLister interface {
	ListBySubtask(ctx context.Context, subtaskID string) ([]*models.Evaluation, error)
}

// resultAllocator finalizes an assignment and frees the worker slot.
type resultAllocator interface {
	Release(ctx context.Context, subtaskID string, final models.SubtaskStatus, output map[string]any, errMsg string) (*database.ReleaseOutcome, error)
}

// reviewEngine scores outcomes and applies the checkpoint trigger rules.
type reviewEngine interface {
	Evaluate(ctx context.Context, st *models.Subtask, scores api.EvaluationScores, workerID string) (*models.Evaluation, error)
	OnResult(ctx context.Context, st *models.Subtask, eval *models.Evaluation) (*models.Checkpoint, error)
	OnEvaluation(ctx context.Context, st *models.Subtask, eval *models.Evaluation) (*models.Checkpoint, error)
}

// reconciler folds a finished subtask back into task progress.
type reconciler interface {
	ReconcileTask(ctx context.Context, taskID string) error
	Wake()
}

// SubtaskHandler serves subtask reads and the worker result ingest path.
type SubtaskHandler struct {
	subtasks  subtaskReads
	evals     evaluationLister
	allocator resultAllocator
	engine    reviewEngine
	sched     reconciler
	cache     mirrorReader
	log       *logrus.Entry
}

// NewSubtaskHandler wires the subtask endpoints.
func NewSubtaskHandler(subtasks subtaskReads, evals evaluationLister, allocator resultAllocator, engine reviewEngine, sched reconciler, cache mirrorReader, log *logrus.Logger) *SubtaskHandler {
	return &SubtaskHandler{
		subtasks:  subtasks,
		evals:     evals,
		allocator: allocator,
		engine:    engine,
		sched:     sched,
		cache:     cache,
		log:       log.WithField("component", "handlers.subtask"),
	}
}

// Get handles GET /subtasks/:id, falling back to the Redis mirror when the
// store is down behind an open breaker.
func (h *SubtaskHandler) Get(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	st, err := h.subtasks.Get(ctx, id)
	if err != nil {
		if degradedRead(c, h.cache, "subtask", id, apperrors.From(err)) {
			return
		}
		fail(c, err)
		return
	}
	evals, err := h.evals.ListBySubtask(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subtask": st, "evaluations": evals})
}

// Result handles POST /subtasks/:id/result. The release commits first; the
// evaluation write, checkpoint rules and task reconciliation run best-effort
// after it, so a reporting worker never sees a retryable error for work the
// store already accepted.
func (h *SubtaskHandler) Result(c *gin.Context) {
	id := c.Param("id")
	var req api.SubtaskResultRequest
	if !bindJSON(c, &req) {
		return
	}
	final := models.SubtaskStatus(req.Status)
	if final != models.SubtaskCompleted && final != models.SubtaskFailed {
		fail(c, apperrors.Validation("status must be completed or failed, got %q", req.Status))
		return
	}
	if req.Evaluation != nil {
		if err := validScores(*req.Evaluation); err != nil {
			fail(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	out, err := h.allocator.Release(ctx, id, final, req.Output, req.ErrorMessage)
	if err != nil {
		fail(c, err)
		return
	}

	resp := gin.H{"subtask": out.Subtask}
	var eval *models.Evaluation
	if req.Evaluation != nil && req.Evaluation.HasScores() {
		eval, err = h.engine.Evaluate(ctx, out.Subtask, *req.Evaluation, out.WorkerID)
		if err != nil {
			h.log.WithError(err).WithField("subtask_id", id).Warn("evaluation write failed")
			eval = nil
		} else {
			resp["evaluation"] = eval
		}
	}
	cp, err := h.engine.OnResult(ctx, out.Subtask, eval)
	if err != nil {
		h.log.WithError(err).WithField("subtask_id", id).Warn("checkpoint rules failed")
	} else if cp != nil {
		resp["checkpoint"] = cp
	}
	if err := h.sched.ReconcileTask(ctx, out.Subtask.TaskID); err != nil {
		h.log.WithError(err).WithField("task_id", out.Subtask.TaskID).Warn("task reconcile failed")
	}
	// A completed subtask can unblock dependents even while the worker
	// stays busy on another slot.
	h.sched.Wake()

	c.JSON(http.StatusOK, resp)
}

// Evaluation handles POST /subtasks/:id/evaluation, the standalone scoring
// path for reviews that arrive after the result.
func (h *SubtaskHandler) Evaluation(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		api.EvaluationScores
		WorkerID string `json:"worker_id,omitempty"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if !req.HasScores() {
		fail(c, apperrors.Validation("at least one score dimension is required"))
		return
	}
	if err := validScores(req.EvaluationScores); err != nil {
		fail(c, err)
		return
	}

	ctx := c.Request.Context()
	st, err := h.subtasks.Get(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	workerID := req.WorkerID
	if workerID == "" && st.AssignedWorkerID != nil {
		workerID = *st.AssignedWorkerID
	}

	eval, err := h.engine.Evaluate(ctx, st, req.EvaluationScores, workerID)
	if err != nil {
		fail(c, err)
		return
	}
	resp := gin.H{"evaluation": eval}
	cp, err := h.engine.OnEvaluation(ctx, st, eval)
	if err != nil {
		h.log.WithError(err).WithField("subtask_id", id).Warn("checkpoint rules failed")
	} else if cp != nil {
		resp["checkpoint"] = cp
	}
	c.JSON(http.StatusCreated, resp)
}

// validScores rejects dimensions outside the 0..10 scale.
func validScores(s api.EvaluationScores) error {
	dims := map[string]*float64{
		"code_quality": s.CodeQuality,
		"completeness": s.Completeness,
		"security":     s.Security,
		"architecture": s.Architecture,
		"testability":  s.Testability,
	}
	for name, v := range dims {
		if v != nil && (*v < 0 || *v > 10) {
			return apperrors.Validation("%s must be between 0 and 10, got %g", name, *v)
		}
	}
	return nil
}

// RegisterSubtaskRoutes registers the subtask read and worker ingest routes.
func RegisterSubtaskRoutes(r *gin.RouterGroup, h *SubtaskHandler) {
	subtasks := r.Group("/subtasks")
	{
		subtasks.GET("/:id", h.Get)
		subtasks.POST("/:id/result", h.Result)
		subtasks.POST("/:id/evaluation", h.Evaluation)
	}
}
