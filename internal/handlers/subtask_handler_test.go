package handlers

import (
	"context"
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

type fakeSubtaskReads struct {
	byID   map[string]*models.Subtask
	getErr error
}

func (f *fakeSubtaskReads) Get(_ context.Context, id string) (*models.Subtask, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	st, ok := f.byID[id]
	if !ok {
		return nil, apperrors.NotFound("subtask", id)
	}
	return st, nil
}

type fakeEvalLister struct {
	out []*models.Evaluation
}

func (f *fakeEvalLister) ListBySubtask(context.Context, string) ([]*models.Evaluation, error) {
	return f.out, nil
}

type fakeResultAllocator struct {
	out *database.ReleaseOutcome
	err error

	gotID     string
	gotFinal  models.SubtaskStatus
	gotOutput map[string]any
	gotErrMsg string
	calls     int
}

func (f *fakeResultAllocator) Release(_ context.Context, subtaskID string, final models.SubtaskStatus, output map[string]any, errMsg string) (*database.ReleaseOutcome, error) {
	f.calls++
	f.gotID = subtaskID
	f.gotFinal = final
	f.gotOutput = output
	f.gotErrMsg = errMsg
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

type fakeReviewEngine struct {
	eval    *models.Evaluation
	evalErr error
	cp      *models.Checkpoint
	cpErr   error

	gotWorkerID   string
	gotScores     api.EvaluationScores
	onResultEval  *models.Evaluation
	onResultCalls int
	onEvalCalls   int
}

func (f *fakeReviewEngine) Evaluate(_ context.Context, _ *models.Subtask, scores api.EvaluationScores, workerID string) (*models.Evaluation, error) {
	f.gotScores = scores
	f.gotWorkerID = workerID
	return f.eval, f.evalErr
}

func (f *fakeReviewEngine) OnResult(_ context.Context, _ *models.Subtask, eval *models.Evaluation) (*models.Checkpoint, error) {
	f.onResultCalls++
	f.onResultEval = eval
	return f.cp, f.cpErr
}

func (f *fakeReviewEngine) OnEvaluation(_ context.Context, _ *models.Subtask, eval *models.Evaluation) (*models.Checkpoint, error) {
	f.onEvalCalls++
	f.onResultEval = eval
	return f.cp, f.cpErr
}

type fakeReconciler struct {
	reconciled []string
	wakes      int
	err        error
}

func (f *fakeReconciler) ReconcileTask(_ context.Context, taskID string) error {
	f.reconciled = append(f.reconciled, taskID)
	return f.err
}

func (f *fakeReconciler) Wake() { f.wakes++ }

type subtaskEnv struct {
	subs  *fakeSubtaskReads
	evals *fakeEvalLister
	alloc *fakeResultAllocator
	eng   *fakeReviewEngine
	sched *fakeReconciler
	cache *fakeHandlerCache
}

func newSubtaskEnv() (*subtaskEnv, *gin.Engine) {
	worker := "w1"
	env := &subtaskEnv{
		subs: &fakeSubtaskReads{byID: map[string]*models.Subtask{
			"s1": {ID: "s1", TaskID: "t1", Status: models.SubtaskInProgress, AssignedWorkerID: &worker},
		}},
		evals: &fakeEvalLister{},
		alloc: &fakeResultAllocator{
			out: &database.ReleaseOutcome{
				Subtask:    &models.Subtask{ID: "s1", TaskID: "t1", Status: models.SubtaskCompleted},
				WorkerID:   "w1",
				WorkerIdle: true,
			},
		},
		eng:   &fakeReviewEngine{},
		sched: &fakeReconciler{},
		cache: &fakeHandlerCache{mirrors: map[string][]byte{}},
	}
	h := NewSubtaskHandler(env.subs, env.evals, env.alloc, env.eng, env.sched, env.cache, quietLog())

	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.GET("/subtasks/:id", h.Get)
	v1.POST("/subtasks/:id/result", h.Result)
	v1.POST("/subtasks/:id/evaluation", h.Evaluation)
	return env, r
}

func TestGetSubtaskIncludesEvaluations(t *testing.T) {
	env, r := newSubtaskEnv()
	env.evals.out = []*models.Evaluation{{ID: "e1", SubtaskID: "s1", OverallScore: 8.2}}

	w := performJSON(t, r, "GET", "/api/v1/subtasks/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.NotNil(t, body["subtask"])
	assert.Len(t, body["evaluations"], 1)
}

func TestGetSubtaskFallsBackToMirrorWhenStoreDown(t *testing.T) {
	env, r := newSubtaskEnv()
	env.subs.getErr = apperrors.Unavailable("database", 30*time.Second)
	env.cache.mirrors["subtask:s1"] = []byte(`{"id":"s1","status":"in_progress"}`)

	w := performJSON(t, r, "GET", "/api/v1/subtasks/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["degraded"])
}

func TestSubtaskResultRunsIngestPipeline(t *testing.T) {
	env, r := newSubtaskEnv()
	env.eng.eval = &models.Evaluation{ID: "e1", SubtaskID: "s1", OverallScore: 6.5}
	env.eng.cp = &models.Checkpoint{ID: "cp1", TaskID: "t1", Trigger: models.TriggerLowScore}

	w := performJSON(t, r, "POST", "/api/v1/subtasks/s1/result", api.SubtaskResultRequest{
		Status:     "completed",
		Output:     map[string]any{"pr_url": "https://git.internal/pr/42"},
		Evaluation: &api.EvaluationScores{CodeQuality: f64(6.5)},
	})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "s1", env.alloc.gotID)
	assert.Equal(t, models.SubtaskCompleted, env.alloc.gotFinal)
	assert.Equal(t, "https://git.internal/pr/42", env.alloc.gotOutput["pr_url"])
	assert.Equal(t, "w1", env.eng.gotWorkerID)
	assert.Equal(t, 1, env.eng.onResultCalls)
	assert.Same(t, env.eng.eval, env.eng.onResultEval)
	assert.Equal(t, []string{"t1"}, env.sched.reconciled)
	assert.Equal(t, 1, env.sched.wakes)

	body := decodeBody(t, w)
	assert.NotNil(t, body["evaluation"])
	assert.NotNil(t, body["checkpoint"])
}

func TestSubtaskResultWithoutEvaluation(t *testing.T) {
	env, r := newSubtaskEnv()

	w := performJSON(t, r, "POST", "/api/v1/subtasks/s1/result", api.SubtaskResultRequest{
		Status:       "failed",
		ErrorMessage: "tests failed on CI",
	})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, models.SubtaskFailed, env.alloc.gotFinal)
	assert.Equal(t, "tests failed on CI", env.alloc.gotErrMsg)
	assert.Equal(t, 1, env.eng.onResultCalls)
	assert.Nil(t, env.eng.onResultEval)

	body := decodeBody(t, w)
	_, hasEval := body["evaluation"]
	assert.False(t, hasEval)
}

func TestSubtaskResultRejectsBadStatus(t *testing.T) {
	env, r := newSubtaskEnv()

	w := performJSON(t, r, "POST", "/api/v1/subtasks/s1/result", api.SubtaskResultRequest{Status: "in_progress"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, env.alloc.calls)
}

func TestSubtaskResultRejectsOutOfRangeScoreBeforeRelease(t *testing.T) {
	env, r := newSubtaskEnv()

	w := performJSON(t, r, "POST", "/api/v1/subtasks/s1/result", api.SubtaskResultRequest{
		Status:     "completed",
		Evaluation: &api.EvaluationScores{CodeQuality: f64(12)},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, env.alloc.calls)
}

func TestSubtaskResultReleaseConflict(t *testing.T) {
	env, r := newSubtaskEnv()
	env.alloc.err = apperrors.InvalidState("subtask", "s1", "completed")

	w := performJSON(t, r, "POST", "/api/v1/subtasks/s1/result", api.SubtaskResultRequest{Status: "completed"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Zero(t, env.eng.onResultCalls)
	assert.Empty(t, env.sched.reconciled)
}

func TestSubtaskResultSurvivesEvaluationFailure(t *testing.T) {
	env, r := newSubtaskEnv()
	env.eng.evalErr = apperrors.Internal(assert.AnError)

	w := performJSON(t, r, "POST", "/api/v1/subtasks/s1/result", api.SubtaskResultRequest{
		Status:     "completed",
		Evaluation: &api.EvaluationScores{CodeQuality: f64(8)},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// The release already committed; the response carries the subtask even
	// though the evaluation write failed.
	assert.Equal(t, 1, env.eng.onResultCalls)
	assert.Nil(t, env.eng.onResultEval)
	body := decodeBody(t, w)
	_, hasEval := body["evaluation"]
	assert.False(t, hasEval)
	assert.NotNil(t, body["subtask"])
}

func TestStandaloneEvaluationDefaultsWorkerFromAssignment(t *testing.T) {
	env, r := newSubtaskEnv()
	env.eng.eval = &models.Evaluation{ID: "e1", SubtaskID: "s1", OverallScore: 3.0}
	env.eng.cp = &models.Checkpoint{ID: "cp1", Trigger: models.TriggerLowScore}

	w := performJSON(t, r, "POST", "/api/v1/subtasks/s1/evaluation", map[string]any{
		"code_quality": 3.0,
		"feedback":     "does not handle pagination",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	assert.Equal(t, "w1", env.eng.gotWorkerID)
	assert.Equal(t, 1, env.eng.onEvalCalls)
	body := decodeBody(t, w)
	assert.NotNil(t, body["evaluation"])
	assert.NotNil(t, body["checkpoint"])
}

func TestStandaloneEvaluationRequiresADimension(t *testing.T) {
	_, r := newSubtaskEnv()

	w := performJSON(t, r, "POST", "/api/v1/subtasks/s1/evaluation", map[string]any{
		"feedback": "looks fine",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStandaloneEvaluationUnknownSubtask(t *testing.T) {
	_, r := newSubtaskEnv()

	w := performJSON(t, r, "POST", "/api/v1/subtasks/missing/evaluation", map[string]any{
		"code_quality": 5.0,
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}
