package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/cache"
	"dev.helix.conductor/internal/database"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// taskReads is the store slice backing task reads and creation.
type taskReads interface {
	Create(ctx context.Context, t *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, f database.TaskFilter) ([]*models.Task, int, error)
}

// subtaskLister loads a task's subtasks for detail responses.
type subtaskLister interface {
	ListByTask(ctx context.Context, taskID string) ([]*models.Subtask, error)
}

// taskLifecycle is the transactional store slice for cancellation.
type taskLifecycle interface {
	CancelTask(ctx context.Context, taskID string) (*database.CancelOutcome, error)
}

// taskDecomposer expands a task into its subtask DAG.
type taskDecomposer interface {
	Decompose(ctx context.Context, task *models.Task) ([]*models.Subtask, error)
}

// rollbackEngine previews and applies checkpoint rollbacks.
type rollbackEngine interface {
	PreviewRollback(ctx context.Context, taskID, checkpointID string) (*database.RollbackPlan, error)
	Rollback(ctx context.Context, taskID, checkpointID string) (*database.RollbackPlan, error)
}

// taskCache is the cache slice for mirrors and queue purges on cancel.
type taskCache interface {
	mirrorReader
	SetStatusMirror(ctx context.Context, kind, id string, payload []byte, ttl time.Duration) error
	RemoveQueued(ctx context.Context, subtaskID string) error
	Unbind(ctx context.Context, subtaskID string) error
}

// TaskHandler serves the task lifecycle endpoints.
type TaskHandler struct {
	tasks      taskReads
	subtasks   subtaskLister
	store      taskLifecycle
	decomposer taskDecomposer
	engine     rollbackEngine
	cache      taskCache
	events     publisher
	activity   activities
	sched      waker
	log        *logrus.Entry
}

// NewTaskHandler wires the task endpoints.
func NewTaskHandler(tasks taskReads, subtasks subtaskLister, store taskLifecycle, decomposer taskDecomposer, engine rollbackEngine, cache taskCache, events publisher, activity activities, sched waker, log *logrus.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:      tasks,
		subtasks:   subtasks,
		store:      store,
		decomposer: decomposer,
		engine:     engine,
		cache:      cache,
		events:     events,
		activity:   activity,
		sched:      sched,
		log:        log.WithField("component", "handlers.task"),
	}
}

// Create handles POST /tasks. The task lands pending; decomposition is a
// separate step so callers can attach metadata or review first.
func (h *TaskHandler) Create(c *gin.Context) {
	var req api.CreateTaskRequest
	if !bindJSON(c, &req) {
		return
	}

	taskType := models.TaskType(req.TaskType)
	if !models.ValidTaskType(taskType) {
		fail(c, apperrors.Validation("unknown task type %q", req.TaskType))
		return
	}
	priority := models.TaskPriority(req.Priority)
	if req.Priority == "" {
		priority = models.PriorityNormal
	}
	if !models.ValidPriority(priority) {
		fail(c, apperrors.Validation("unknown priority %q", req.Priority))
		return
	}

	ctx := c.Request.Context()
	task := &models.Task{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		TaskType:    taskType,
		Status:      models.TaskPending,
		Priority:    priority,
		Sensitive:   req.Sensitive,
		Metadata:    req.Metadata,
	}
	if err := h.tasks.Create(ctx, task); err != nil {
		fail(c, err)
		return
	}

	h.mirrorTask(ctx, task.ID, task.Status, task.Progress)
	h.events.Publish(ctx, task.ID, api.NewEvent(api.EventTaskCreated, map[string]any{
		"task_id":   task.ID,
		"title":     task.Title,
		"task_type": string(task.TaskType),
	}))
	h.record(ctx, task.ID, "task.created", map[string]any{
		"task_type": string(task.TaskType),
		"priority":  string(task.Priority),
	})

	c.JSON(http.StatusCreated, task)
}

// List handles GET /tasks with status, type and pagination filters.
func (h *TaskHandler) List(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		fail(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		fail(c, err)
		return
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	filter := database.TaskFilter{
		Status:   models.TaskStatus(c.Query("status")),
		TaskType: models.TaskType(c.Query("type")),
		UserID:   c.Query("user_id"),
		Limit:    limit,
		Offset:   offset,
	}
	tasks, total, err := h.tasks.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks":  tasks,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Get handles GET /tasks/:id. When the store is down behind an open breaker
// the Redis mirror answers instead, flagged as degraded.
func (h *TaskHandler) Get(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	task, err := h.tasks.Get(ctx, id)
	if err != nil {
		if degradedRead(c, h.cache, "task", id, apperrors.From(err)) {
			return
		}
		fail(c, err)
		return
	}
	subtasks, err := h.subtasks.ListByTask(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "subtasks": subtasks})
}

// Decompose handles POST /tasks/:id/decompose. Safe to repeat; an already
// decomposed task returns its existing subtasks.
func (h *TaskHandler) Decompose(c *gin.Context) {
	ctx := c.Request.Context()
	task, err := h.tasks.Get(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if task.Status.IsTerminal() {
		fail(c, apperrors.InvalidState("task", task.ID, string(task.Status)))
		return
	}

	subtasks, err := h.decomposer.Decompose(ctx, task)
	if err != nil {
		fail(c, err)
		return
	}
	h.sched.Wake()
	c.JSON(http.StatusOK, gin.H{
		"task_id":       task.ID,
		"subtask_count": len(subtasks),
		"subtasks":      subtasks,
	})
}

// Cancel handles POST /tasks/:id/cancel. Pending subtasks leave the queue
// here; in-flight ones are cancelled in the store and their workers learn
// through heartbeat directives.
func (h *TaskHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	out, err := h.store.CancelTask(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	for _, sid := range out.CancelledPending {
		if err := h.cache.RemoveQueued(ctx, sid); err != nil {
			h.log.WithError(err).WithField("subtask_id", sid).Warn("queue purge failed")
		}
		h.mirrorSubtask(ctx, sid, id, models.SubtaskCancelled)
	}
	for _, sid := range out.CancelledInProgress {
		if err := h.cache.Unbind(ctx, sid); err != nil {
			h.log.WithError(err).WithField("subtask_id", sid).Warn("binding purge failed")
		}
		h.mirrorSubtask(ctx, sid, id, models.SubtaskCancelled)
	}
	h.mirrorTask(ctx, id, models.TaskCancelled, 0)

	h.events.Publish(ctx, id, api.NewEvent(api.EventTaskCancelled, map[string]any{
		"task_id":               id,
		"cancelled_pending":     len(out.CancelledPending),
		"cancelled_in_progress": len(out.CancelledInProgress),
	}))
	h.record(ctx, id, "task.cancelled", map[string]any{
		"pending":     len(out.CancelledPending),
		"in_progress": len(out.CancelledInProgress),
	})

	c.JSON(http.StatusOK, gin.H{
		"task_id":               id,
		"cancelled_pending":     out.CancelledPending,
		"cancelled_in_progress": out.CancelledInProgress,
	})
}

// RollbackPreview handles GET /tasks/:id/rollback. The plan is computed but
// not applied, so reviewers can see the blast radius first.
func (h *TaskHandler) RollbackPreview(c *gin.Context) {
	checkpointID := c.Query("checkpoint_id")
	if checkpointID == "" {
		fail(c, apperrors.Validation("checkpoint_id query parameter is required"))
		return
	}
	plan, err := h.engine.PreviewRollback(c.Request.Context(), c.Param("id"), checkpointID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan, "empty": plan.Empty()})
}

// Rollback handles POST /tasks/:id/rollback, restoring the task to the
// given checkpoint's snapshot.
func (h *TaskHandler) Rollback(c *gin.Context) {
	var req struct {
		CheckpointID string `json:"checkpoint_id" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	plan, err := h.engine.Rollback(c.Request.Context(), c.Param("id"), req.CheckpointID)
	if err != nil {
		fail(c, err)
		return
	}
	h.sched.Wake()
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

// Events handles GET /tasks/:id/events, the audit trail for one task.
func (h *TaskHandler) Events(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.tasks.Get(ctx, id); err != nil {
		fail(c, err)
		return
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		fail(c, err)
		return
	}
	entries, err := h.activity.ListByEntity(ctx, "task", id, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "events": entries})
}

func (h *TaskHandler) mirrorTask(ctx context.Context, id string, status models.TaskStatus, progress int) {
	payload, _ := json.Marshal(map[string]any{"id": id, "status": status, "progress": progress})
	if err := h.cache.SetStatusMirror(ctx, "task", id, payload, cache.DefaultMirrorTTL); err != nil {
		h.log.WithError(err).WithField("task_id", id).Debug("status mirror write failed")
	}
}

func (h *TaskHandler) mirrorSubtask(ctx context.Context, id, taskID string, status models.SubtaskStatus) {
	payload, _ := json.Marshal(map[string]any{"id": id, "task_id": taskID, "status": status})
	if err := h.cache.SetStatusMirror(ctx, "subtask", id, payload, cache.DefaultMirrorTTL); err != nil {
		h.log.WithError(err).WithField("subtask_id", id).Debug("status mirror write failed")
	}
}

func (h *TaskHandler) record(ctx context.Context, taskID, action string, detail map[string]any) {
	entry := &models.ActivityLog{EntityType: "task", EntityID: taskID, Action: action, Detail: detail}
	if err := h.activity.Record(ctx, entry); err != nil {
		h.log.WithError(err).WithField("task_id", taskID).Debug("activity write failed")
	}
}

// RegisterTaskRoutes registers the task lifecycle routes.
func RegisterTaskRoutes(r *gin.RouterGroup, h *TaskHandler) {
	tasks := r.Group("/tasks")
	{
		tasks.POST("", h.Create)
		tasks.GET("", h.List)
		tasks.GET("/:id", h.Get)
		tasks.POST("/:id/decompose", h.Decompose)
		tasks.POST("/:id/cancel", h.Cancel)
		tasks.POST("/:id/rollback", h.Rollback)
		tasks.GET("/:id/rollback/preview", h.RollbackPreview)
		tasks.GET("/:id/events", h.Events)
	}
}
