package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/database"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

type fakeTaskReads struct {
	byID      map[string]*models.Task
	created   []*models.Task
	createErr error
	getErr    error

	listFilter database.TaskFilter
	listOut    []*models.Task
	listTotal  int
}

func (f *fakeTaskReads) Create(_ context.Context, t *models.Task) error {
	if f.createErr != nil {
		return f.createErr
	}
	if f.byID == nil {
		f.byID = map[string]*models.Task{}
	}
	f.created = append(f.created, t)
	f.byID[t.ID] = t
	return nil
}

func (f *fakeTaskReads) Get(_ context.Context, id string) (*models.Task, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	t, ok := f.byID[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return t, nil
}

func (f *fakeTaskReads) List(_ context.Context, fl database.TaskFilter) ([]*models.Task, int, error) {
	f.listFilter = fl
	return f.listOut, f.listTotal, nil
}

type fakeSubtaskLister struct {
	out []*models.Subtask
	err error
}

func (f *fakeSubtaskLister) ListByTask(context.Context, string) ([]*models.Subtask, error) {
	return f.out, f.err
}

type fakeLifecycle struct {
	out       *database.CancelOutcome
	err       error
	cancelled []string
}

func (f *fakeLifecycle) CancelTask(_ context.Context, taskID string) (*database.CancelOutcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.cancelled = append(f.cancelled, taskID)
	return f.out, nil
}

type fakeDecomposer struct {
	out  []*models.Subtask
	err  error
	seen []*models.Task
}

func (f *fakeDecomposer) Decompose(_ context.Context, task *models.Task) ([]*models.Subtask, error) {
	f.seen = append(f.seen, task)
	return f.out, f.err
}

type fakeRollback struct {
	plan       *database.RollbackPlan
	previewErr error
	applyErr   error
	previews   [][2]string
	applies    [][2]string
}

func (f *fakeRollback) PreviewRollback(_ context.Context, taskID, checkpointID string) (*database.RollbackPlan, error) {
	f.previews = append(f.previews, [2]string{taskID, checkpointID})
	return f.plan, f.previewErr
}

func (f *fakeRollback) Rollback(_ context.Context, taskID, checkpointID string) (*database.RollbackPlan, error) {
	f.applies = append(f.applies, [2]string{taskID, checkpointID})
	return f.plan, f.applyErr
}

type fakeHandlerCache struct {
	mirrors map[string][]byte
	removed []string
	unbound []string
}

func (f *fakeHandlerCache) key(kind, id string) string { return kind + ":" + id }

func (f *fakeHandlerCache) SetStatusMirror(_ context.Context, kind, id string, payload []byte, _ time.Duration) error {
	if f.mirrors == nil {
		f.mirrors = map[string][]byte{}
	}
	f.mirrors[f.key(kind, id)] = payload
	return nil
}

func (f *fakeHandlerCache) StatusMirror(_ context.Context, kind, id string) ([]byte, bool, error) {
	payload, ok := f.mirrors[f.key(kind, id)]
	return payload, ok, nil
}

func (f *fakeHandlerCache) RemoveQueued(_ context.Context, subtaskID string) error {
	f.removed = append(f.removed, subtaskID)
	return nil
}

func (f *fakeHandlerCache) Unbind(_ context.Context, subtaskID string) error {
	f.unbound = append(f.unbound, subtaskID)
	return nil
}

type fakePublisher struct {
	events  []api.Event
	taskIDs []string
}

func (f *fakePublisher) Publish(_ context.Context, taskID string, ev api.Event) {
	f.taskIDs = append(f.taskIDs, taskID)
	f.events = append(f.events, ev)
}

func (f *fakePublisher) types() []api.EventType {
	out := make([]api.EventType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeActivities struct {
	entries []*models.ActivityLog
	listOut []*models.ActivityLog
}

func (f *fakeActivities) Record(_ context.Context, entry *models.ActivityLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeActivities) ListByEntity(context.Context, string, string, int) ([]*models.ActivityLog, error) {
	return f.listOut, nil
}

func (f *fakeActivities) actions() []string {
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeWaker struct{ wakes int }

func (f *fakeWaker) Wake() { f.wakes++ }

type taskEnv struct {
	tasks *fakeTaskReads
	subs  *fakeSubtaskLister
	store *fakeLifecycle
	dec   *fakeDecomposer
	eng   *fakeRollback
	cache *fakeHandlerCache
	pub   *fakePublisher
	act   *fakeActivities
	sched *fakeWaker
}

func newTaskEnv() (*taskEnv, *gin.Engine) {
	env := &taskEnv{
		tasks: &fakeTaskReads{byID: map[string]*models.Task{}},
		subs:  &fakeSubtaskLister{},
		store: &fakeLifecycle{},
		dec:   &fakeDecomposer{},
		eng:   &fakeRollback{},
		cache: &fakeHandlerCache{mirrors: map[string][]byte{}},
		pub:   &fakePublisher{},
		act:   &fakeActivities{},
		sched: &fakeWaker{},
	}
	h := NewTaskHandler(env.tasks, env.subs, env.store, env.dec, env.eng, env.cache, env.pub, env.act, env.sched, quietLog())

	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.POST("/tasks", h.Create)
	v1.GET("/tasks", h.List)
	v1.GET("/tasks/:id", h.Get)
	v1.POST("/tasks/:id/decompose", h.Decompose)
	v1.POST("/tasks/:id/cancel", h.Cancel)
	v1.GET("/tasks/:id/rollback/preview", h.RollbackPreview)
	v1.POST("/tasks/:id/rollback", h.Rollback)
	v1.GET("/tasks/:id/events", h.Events)
	return env, r
}

func TestCreateTaskDefaultsPriorityAndPublishes(t *testing.T) {
	env, r := newTaskEnv()

	w := performJSON(t, r, "POST", "/api/v1/tasks", api.CreateTaskRequest{
		Title:       "Add rate limiting",
		Description: "Protect the public API",
		TaskType:    "develop_feature",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, models.PriorityNormal, task.Priority)

	require.Len(t, env.pub.events, 1)
	assert.Equal(t, api.EventTaskCreated, env.pub.events[0].Type)
	assert.Equal(t, []string{"task.created"}, env.act.actions())
	assert.Contains(t, env.cache.mirrors, "task:"+task.ID)
}

func TestCreateTaskRejectsUnknownType(t *testing.T) {
	_, r := newTaskEnv()

	w := performJSON(t, r, "POST", "/api/v1/tasks", api.CreateTaskRequest{
		Title:       "x",
		Description: "y",
		TaskType:    "world_domination",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(apperrors.CodeValidation), decodeErr(t, w).Code)
}

func TestCreateTaskRejectsMissingFields(t *testing.T) {
	_, r := newTaskEnv()

	w := performJSON(t, r, "POST", "/api/v1/tasks", map[string]string{"title": "no description"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTasksForwardsFiltersAndClampsLimit(t *testing.T) {
	env, r := newTaskEnv()
	env.tasks.listOut = []*models.Task{{ID: "t1"}, {ID: "t2"}}
	env.tasks.listTotal = 7

	w := performJSON(t, r, "GET", "/api/v1/tasks?status=pending&type=bug_fix&limit=500&offset=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, models.TaskPending, env.tasks.listFilter.Status)
	assert.Equal(t, models.TaskBugFix, env.tasks.listFilter.TaskType)
	assert.Equal(t, maxPageSize, env.tasks.listFilter.Limit)
	assert.Equal(t, 10, env.tasks.listFilter.Offset)

	body := decodeBody(t, w)
	assert.EqualValues(t, 7, body["total"])
}

func TestListTasksRejectsBadLimit(t *testing.T) {
	_, r := newTaskEnv()

	w := performJSON(t, r, "GET", "/api/v1/tasks?limit=banana", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(apperrors.CodeValidation), decodeErr(t, w).Code)
}

func TestGetTaskIncludesSubtasks(t *testing.T) {
	env, r := newTaskEnv()
	env.tasks.byID["t1"] = &models.Task{ID: "t1", Status: models.TaskInProgress}
	env.subs.out = []*models.Subtask{{ID: "s1", TaskID: "t1"}, {ID: "s2", TaskID: "t1"}}

	w := performJSON(t, r, "GET", "/api/v1/tasks/t1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.NotNil(t, body["task"])
	assert.Len(t, body["subtasks"], 2)
}

func TestGetTaskNotFound(t *testing.T) {
	_, r := newTaskEnv()

	w := performJSON(t, r, "GET", "/api/v1/tasks/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(apperrors.CodeNotFound), decodeErr(t, w).Code)
}

func TestGetTaskFallsBackToMirrorWhenStoreDown(t *testing.T) {
	env, r := newTaskEnv()
	env.tasks.getErr = apperrors.Unavailable("database", 30*time.Second)
	env.cache.mirrors["task:t1"] = []byte(`{"id":"t1","status":"in_progress","progress":40}`)

	w := performJSON(t, r, "GET", "/api/v1/tasks/t1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, true, body["degraded"])
	task := body["task"].(map[string]any)
	assert.Equal(t, "in_progress", task["status"])
}

func TestGetTaskStoreDownWithoutMirror(t *testing.T) {
	env, r := newTaskEnv()
	env.tasks.getErr = apperrors.Unavailable("database", 30*time.Second)

	w := performJSON(t, r, "GET", "/api/v1/tasks/t1", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeErr(t, w)
	assert.Equal(t, string(apperrors.CodeUnavailable), body.Code)
	assert.True(t, body.Retryable)
}

func TestDecomposeTaskWakesScheduler(t *testing.T) {
	env, r := newTaskEnv()
	env.tasks.byID["t1"] = &models.Task{ID: "t1", Status: models.TaskPending, TaskType: models.TaskBugFix}
	env.dec.out = []*models.Subtask{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}}

	w := performJSON(t, r, "POST", "/api/v1/tasks/t1/decompose", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.EqualValues(t, 3, body["subtask_count"])
	assert.Equal(t, 1, env.sched.wakes)
	require.Len(t, env.dec.seen, 1)
	assert.Equal(t, "t1", env.dec.seen[0].ID)
}

func TestDecomposeTerminalTaskConflicts(t *testing.T) {
	env, r := newTaskEnv()
	env.tasks.byID["t1"] = &models.Task{ID: "t1", Status: models.TaskCompleted}

	w := performJSON(t, r, "POST", "/api/v1/tasks/t1/decompose", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(apperrors.CodeInvalidState), decodeErr(t, w).Code)
	assert.Zero(t, env.sched.wakes)
}

func TestCancelTaskPurgesQueueAndBindings(t *testing.T) {
	env, r := newTaskEnv()
	env.store.out = &database.CancelOutcome{
		CancelledPending:    []string{"s1", "s2"},
		CancelledInProgress: []string{"s3"},
	}

	w := performJSON(t, r, "POST", "/api/v1/tasks/t1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"s1", "s2"}, env.cache.removed)
	assert.Equal(t, []string{"s3"}, env.cache.unbound)
	assert.Contains(t, env.cache.mirrors, "task:t1")
	assert.Contains(t, env.cache.mirrors, "subtask:s3")
	assert.Equal(t, []api.EventType{api.EventTaskCancelled}, env.pub.types())
	assert.Equal(t, []string{"task.cancelled"}, env.act.actions())
}

func TestCancelTerminalTaskConflicts(t *testing.T) {
	env, r := newTaskEnv()
	env.store.err = apperrors.InvalidState("task", "t1", "completed")

	w := performJSON(t, r, "POST", "/api/v1/tasks/t1/cancel", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, env.pub.events)
}

func TestRollbackPreviewRequiresCheckpointID(t *testing.T) {
	_, r := newTaskEnv()

	w := performJSON(t, r, "GET", "/api/v1/tasks/t1/rollback/preview", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRollbackPreviewReturnsPlan(t *testing.T) {
	env, r := newTaskEnv()
	env.eng.plan = &database.RollbackPlan{
		CheckpointID:    "cp1",
		TaskID:          "t1",
		RestoreStatuses: map[string]models.SubtaskStatus{"s1": models.SubtaskPending},
		DeleteSubtasks:  []string{"s9"},
		TaskStatus:      models.TaskInProgress,
	}

	w := performJSON(t, r, "GET", "/api/v1/tasks/t1/rollback/preview?checkpoint_id=cp1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, false, body["empty"])
	plan := body["plan"].(map[string]any)
	assert.Equal(t, "cp1", plan["checkpoint_id"])
	assert.Equal(t, [][2]string{{"t1", "cp1"}}, env.eng.previews)
	assert.Empty(t, env.eng.applies)
}

func TestRollbackAppliesPlanAndWakes(t *testing.T) {
	env, r := newTaskEnv()
	env.eng.plan = &database.RollbackPlan{CheckpointID: "cp1", TaskID: "t1"}

	w := performJSON(t, r, "POST", "/api/v1/tasks/t1/rollback", map[string]string{"checkpoint_id": "cp1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, [][2]string{{"t1", "cp1"}}, env.eng.applies)
	assert.Equal(t, 1, env.sched.wakes)
}

func TestRollbackRequiresCheckpointID(t *testing.T) {
	env, r := newTaskEnv()

	w := performJSON(t, r, "POST", "/api/v1/tasks/t1/rollback", map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.eng.applies)
}

func TestTaskEventsReadsActivity(t *testing.T) {
	env, r := newTaskEnv()
	env.tasks.byID["t1"] = &models.Task{ID: "t1"}
	env.act.listOut = []*models.ActivityLog{
		{Action: "task.created"},
		{Action: "task.decomposed"},
	}

	w := performJSON(t, r, "GET", "/api/v1/tasks/t1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["events"], 2)
}

func TestTaskEventsUnknownTask(t *testing.T) {
	_, r := newTaskEnv()

	w := performJSON(t, r, "GET", "/api/v1/tasks/missing/events", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
