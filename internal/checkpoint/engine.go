// Package checkpoint flags subtask results for review and applies the review
// decisions. Trigger rules run on result ingest and on a periodic timeout
// sweep; a flagged task pauses until every open checkpoint is decided.
// Rollback restores a task to the state a checkpoint snapshotted.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/cache"
	"dev.helix.conductor/internal/database"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// store is the transactional persistence slice.
type store interface {
	CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) (*database.CheckpointOutcome, error)
	ApproveCheckpoint(ctx context.Context, id string, decision models.CheckpointDecision) (*database.DecisionOutcome, error)
	CorrectCheckpoint(ctx context.Context, id string, decision models.CheckpointDecision, clone *models.Subtask, maxCycles int) (*database.DecisionOutcome, error)
	RejectCheckpoint(ctx context.Context, id string, decision models.CheckpointDecision) (*database.DecisionOutcome, error)
	ApplyRollback(ctx context.Context, plan *database.RollbackPlan) error
}

// checkpoints reads checkpoint rows outside transactions.
type checkpoints interface {
	Get(ctx context.Context, id string) (*models.Checkpoint, error)
	List(ctx context.Context, taskID string, status models.CheckpointStatus) ([]*models.Checkpoint, error)
	ListNewerThan(ctx context.Context, taskID string, after *models.Checkpoint) ([]*models.Checkpoint, error)
}

type tasks interface {
	Get(ctx context.Context, id string) (*models.Task, error)
}

type subtasks interface {
	Get(ctx context.Context, id string) (*models.Subtask, error)
	ListByTask(ctx context.Context, taskID string) ([]*models.Subtask, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.Subtask, error)
	CompletedCount(ctx context.Context, taskID string) (int, error)
}

type corrections interface {
	CycleCount(ctx context.Context, subtaskID string) (int, error)
}

type evaluations interface {
	Create(ctx context.Context, ev *models.Evaluation) error
}

// dispatch is the cache slice: queue purges and status mirrors.
type dispatch interface {
	RemoveQueued(ctx context.Context, subtaskID string) error
	Unbind(ctx context.Context, subtaskID string) error
	SetStatusMirror(ctx context.Context, kind, id string, payload []byte, ttl time.Duration) error
}

// publisher fans lifecycle events out to task watchers.
type publisher interface {
	Publish(ctx context.Context, taskID string, ev api.Event)
}

// activities records audit rows.
type activities interface {
	Record(ctx context.Context, entry *models.ActivityLog) error
}

// waker pokes the scheduler when a decision releases dispatchable work.
type waker interface {
	Wake()
}

// Config tunes the trigger rules.
type Config struct {
	ScoreThreshold      float64
	Cadence             int
	SubtaskTimeout      time.Duration
	MaxCorrectionCycles int
	SweepInterval       time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ScoreThreshold:      7.0,
		Cadence:             5,
		SubtaskTimeout:      24 * time.Hour,
		MaxCorrectionCycles: 3,
		SweepInterval:       time.Minute,
	}
}

// Engine is the human-review engine.
type Engine struct {
	store       store
	checkpoints checkpoints
	tasks       tasks
	subtasks    subtasks
	corrections corrections
	evaluations evaluations
	cache       dispatch
	events      publisher
	activity    activities
	sched       waker
	cfg         Config
	log         *logrus.Logger
}

// New wires the engine. cache, events, activity and sched may be nil.
func New(st store, cps checkpoints, ts tasks, sts subtasks, corr corrections, evals evaluations, c dispatch, ev publisher, act activities, sched waker, cfg Config, log *logrus.Logger) *Engine {
	return &Engine{
		store:       st,
		checkpoints: cps,
		tasks:       ts,
		subtasks:    sts,
		corrections: corr,
		evaluations: evals,
		cache:       c,
		events:      ev,
		activity:    act,
		sched:       sched,
		cfg:         cfg,
		log:         log,
	}
}

// Evaluate scores a subtask's output with the default weights and persists
// the evaluation. Trigger rules are the caller's next step, so the result
// and standalone ingest paths share one write.
func (e *Engine) Evaluate(ctx context.Context, st *models.Subtask, scores api.EvaluationScores, workerID string) (*models.Evaluation, error) {
	eval := &models.Evaluation{
		ID:           uuid.NewString(),
		SubtaskID:    st.ID,
		WorkerID:     workerID,
		Scores:       scores,
		OverallScore: models.ComputeOverallScore(scores, models.DefaultScoreWeights()),
		Feedback:     scores.Feedback,
	}
	if err := e.evaluations.Create(ctx, eval); err != nil {
		return nil, err
	}
	return eval, nil
}

// OnResult applies the trigger rules to a finalized subtask: error first,
// then low score, then cadence. Terminal tasks never trigger, corrections do
// not cadence-trigger, and a subtask already under review loses quietly. The
// returned checkpoint is nil when nothing fired.
func (e *Engine) OnResult(ctx context.Context, st *models.Subtask, eval *models.Evaluation) (*models.Checkpoint, error) {
	ctx, span := otel.Tracer("conductor/checkpoint").Start(ctx, "checkpoint.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("subtask.id", st.ID),
		attribute.String("subtask.status", string(st.Status)),
	)

	task, err := e.tasks.Get(ctx, st.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, nil
	}

	if st.Status == models.SubtaskFailed {
		reason := "subtask failed"
		if st.ErrorMessage != "" {
			reason = "subtask failed: " + st.ErrorMessage
		}
		trigger, reason := e.escalate(ctx, st, models.TriggerError, reason)
		span.SetAttributes(attribute.String("checkpoint.trigger", string(trigger)))
		return e.flag(ctx, task, st, eval, trigger, reason)
	}
	if eval != nil && eval.OverallScore < e.cfg.ScoreThreshold {
		reason := fmt.Sprintf("overall score %.1f below threshold %.1f", eval.OverallScore, e.cfg.ScoreThreshold)
		trigger, reason := e.escalate(ctx, st, models.TriggerLowScore, reason)
		return e.flag(ctx, task, st, eval, trigger, reason)
	}
	if st.Status == models.SubtaskCompleted && e.cfg.Cadence > 0 && !st.IsCorrection() {
		done, err := e.subtasks.CompletedCount(ctx, st.TaskID)
		if err != nil {
			return nil, err
		}
		if done > 0 && done%e.cfg.Cadence == 0 {
			reason := fmt.Sprintf("periodic review after %d completed subtasks", done)
			return e.flag(ctx, task, st, eval, models.TriggerCadence, reason)
		}
	}
	return nil, nil
}

// OnEvaluation applies the low score rule to a standalone evaluation; the
// error and cadence rules belong to result ingest.
func (e *Engine) OnEvaluation(ctx context.Context, st *models.Subtask, eval *models.Evaluation) (*models.Checkpoint, error) {
	if eval == nil || eval.OverallScore >= e.cfg.ScoreThreshold {
		return nil, nil
	}
	task, err := e.tasks.Get(ctx, st.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, nil
	}
	reason := fmt.Sprintf("overall score %.1f below threshold %.1f", eval.OverallScore, e.cfg.ScoreThreshold)
	trigger, reason := e.escalate(ctx, st, models.TriggerLowScore, reason)
	return e.flag(ctx, task, st, eval, trigger, reason)
}

// SweepTimeouts flags subtasks stuck in progress beyond the configured
// timeout. Each flag is independent; one failure does not stop the sweep.
func (e *Engine) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.SubtaskTimeout)
	stale, err := e.subtasks.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, st := range stale {
		task, err := e.tasks.Get(ctx, st.TaskID)
		if err != nil {
			e.log.WithError(err).WithField("task_id", st.TaskID).Warn("timeout sweep task load failed")
			continue
		}
		if task.Status.IsTerminal() {
			continue
		}
		since := "an unknown time"
		if st.StartedAt != nil {
			since = st.StartedAt.UTC().Format(time.RFC3339)
		}
		reason := fmt.Sprintf("in progress since %s, beyond the %s timeout", since, e.cfg.SubtaskTimeout)
		cp, err := e.flag(ctx, task, st, nil, models.TriggerTimeout, reason)
		if err != nil {
			e.log.WithError(err).WithField("subtask_id", st.ID).Warn("timeout checkpoint failed")
			continue
		}
		if cp != nil {
			created++
		}
	}
	return created, nil
}

// Run drives the timeout sweep until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := e.SweepTimeouts(ctx)
			if err != nil {
				e.log.WithError(err).Warn("timeout sweep failed")
				continue
			}
			if n > 0 {
				e.log.WithField("checkpoints", n).Info("timeout sweep flagged subtasks")
			}
		}
	}
}

// Decide applies a reviewer's resolution to a pending checkpoint and
// translates the outcome into mirrors, events and a scheduler wake.
func (e *Engine) Decide(ctx context.Context, id string, action models.DecisionAction, decidedBy, feedback string) (*database.DecisionOutcome, error) {
	if !models.ValidDecisionAction(action) {
		return nil, apperrors.Validation("unknown decision action %q", action)
	}
	decision := models.CheckpointDecision{
		Action:    action,
		DecidedBy: decidedBy,
		Feedback:  feedback,
		DecidedAt: time.Now().UTC(),
	}

	var out *database.DecisionOutcome
	var err error
	switch action {
	case models.ActionApprove:
		out, err = e.store.ApproveCheckpoint(ctx, id, decision)
	case models.ActionCorrect:
		out, err = e.correct(ctx, id, decision)
	case models.ActionReject:
		out, err = e.store.RejectCheckpoint(ctx, id, decision)
	}
	if err != nil {
		return nil, err
	}

	e.afterDecision(ctx, out)
	return out, nil
}

// PreviewRollback computes the exact plan rolling the task back to the given
// checkpoint would execute, without applying anything.
func (e *Engine) PreviewRollback(ctx context.Context, taskID, checkpointID string) (*database.RollbackPlan, error) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskCancelled {
		return nil, apperrors.InvalidState("task", taskID, string(task.Status))
	}
	cp, err := e.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.TaskID != taskID {
		return nil, apperrors.Validation("checkpoint %s does not belong to task %s", checkpointID, taskID)
	}

	subs, err := e.subtasks.ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	newer, err := e.checkpoints.ListNewerThan(ctx, taskID, cp)
	if err != nil {
		return nil, err
	}

	plan := &database.RollbackPlan{
		CheckpointID:      cp.ID,
		TaskID:            taskID,
		RestoreStatuses:   make(map[string]models.SubtaskStatus),
		DeleteEvaluations: true,
	}
	doomed := make(map[string]bool, len(newer))
	for _, n := range newer {
		plan.DeleteCheckpoints = append(plan.DeleteCheckpoints, n.ID)
		doomed[n.ID] = true
	}

	completed, total := 0, 0
	for _, sub := range subs {
		want, ok := cp.Snapshot.SubtaskStates[sub.ID]
		if !ok {
			// Created after the snapshot, corrections included.
			plan.DeleteSubtasks = append(plan.DeleteSubtasks, sub.ID)
			continue
		}
		if want == models.SubtaskInProgress {
			// The execution from before the checkpoint is long gone; the
			// row goes back to the dispatch pool instead.
			want = models.SubtaskPending
		}
		if sub.Status != want {
			plan.RestoreStatuses[sub.ID] = want
		}
		total++
		if want == models.SubtaskCompleted {
			completed++
		}
	}
	plan.TaskProgress = models.Progress(completed, total)

	plan.TaskStatus = models.TaskInProgress
	pendings, err := e.checkpoints.List(ctx, taskID, models.CheckpointPending)
	if err != nil {
		return nil, err
	}
	for _, p := range pendings {
		if !doomed[p.ID] {
			plan.TaskStatus = models.TaskPaused
			break
		}
	}
	return plan, nil
}

// Rollback applies the preview plan and reconciles the dispatch structures.
// Rolling back to the same checkpoint twice is a no-op.
func (e *Engine) Rollback(ctx context.Context, taskID, checkpointID string) (*database.RollbackPlan, error) {
	plan, err := e.PreviewRollback(ctx, taskID, checkpointID)
	if err != nil {
		return nil, err
	}
	if plan.Empty() {
		return plan, nil
	}
	if err := e.store.ApplyRollback(ctx, plan); err != nil {
		return nil, err
	}

	purge := make([]string, 0, len(plan.RestoreStatuses)+len(plan.DeleteSubtasks))
	for id := range plan.RestoreStatuses {
		purge = append(purge, id)
	}
	purge = append(purge, plan.DeleteSubtasks...)
	e.purgeDispatch(ctx, purge)
	for id, status := range plan.RestoreStatuses {
		e.mirrorSubtask(ctx, id, status)
	}
	e.mirrorTask(ctx, taskID, plan.TaskStatus, plan.TaskProgress)

	if plan.TaskStatus == models.TaskInProgress {
		e.publish(ctx, taskID, api.NewEvent(api.EventTaskResumed, map[string]any{
			"task_id":       taskID,
			"checkpoint_id": checkpointID,
		}))
	}
	e.record(ctx, "task", taskID, "task.rollback", map[string]any{
		"checkpoint_id": checkpointID,
		"restored":      len(plan.RestoreStatuses),
		"deleted":       len(plan.DeleteSubtasks),
	})
	if e.sched != nil {
		e.sched.Wake()
	}
	e.log.WithFields(logrus.Fields{
		"task_id":       taskID,
		"checkpoint_id": checkpointID,
		"restored":      len(plan.RestoreStatuses),
		"deleted":       len(plan.DeleteSubtasks),
	}).Info("task rolled back to checkpoint")
	return plan, nil
}

// correct clones the flagged subtask and hands the clone to the store op,
// which owns the linkage fields and the cycle budget.
func (e *Engine) correct(ctx context.Context, id string, decision models.CheckpointDecision) (*database.DecisionOutcome, error) {
	cp, err := e.checkpoints.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.Status != models.CheckpointPending {
		return nil, apperrors.InvalidState("checkpoint", id, string(cp.Status))
	}
	original, err := e.subtasks.Get(ctx, cp.SubtaskID)
	if err != nil {
		return nil, err
	}
	clone := correctionClone(original, decision.Feedback)
	return e.store.CorrectCheckpoint(ctx, id, decision, clone, e.cfg.MaxCorrectionCycles)
}

// flag snapshots the task and inserts the checkpoint. A concurrent duplicate
// for the same subtask loses quietly; the open checkpoint already covers it.
func (e *Engine) flag(ctx context.Context, task *models.Task, st *models.Subtask, eval *models.Evaluation, trigger models.CheckpointTrigger, reason string) (*models.Checkpoint, error) {
	snapshot, err := e.snapshot(ctx, st, eval)
	if err != nil {
		return nil, err
	}
	cp := &models.Checkpoint{
		ID:        uuid.NewString(),
		TaskID:    st.TaskID,
		SubtaskID: st.ID,
		Trigger:   trigger,
		Status:    models.CheckpointPending,
		Reason:    reason,
		Snapshot:  snapshot,
	}
	out, err := e.store.CreateCheckpoint(ctx, cp)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeVersionConflict) {
			e.log.WithFields(logrus.Fields{
				"subtask_id": st.ID,
				"trigger":    trigger,
			}).Debug("subtask already under review")
			return nil, nil
		}
		if apperrors.IsCode(err, apperrors.CodeInvalidState) {
			// The task went terminal between the read and the insert.
			return nil, nil
		}
		return nil, err
	}

	if out.TaskPaused {
		e.mirrorTask(ctx, task.ID, models.TaskPaused, task.Progress)
	}
	e.publish(ctx, cp.TaskID, api.NewEvent(api.EventCheckpointCreated, map[string]any{
		"checkpoint_id": cp.ID,
		"task_id":       cp.TaskID,
		"subtask_id":    cp.SubtaskID,
		"trigger":       string(cp.Trigger),
		"reason":        cp.Reason,
	}))
	if out.TaskPaused {
		e.publish(ctx, cp.TaskID, api.NewEvent(api.EventTaskPaused, map[string]any{
			"task_id":       cp.TaskID,
			"checkpoint_id": cp.ID,
		}))
	}
	e.record(ctx, "checkpoint", cp.ID, "checkpoint.created", map[string]any{
		"task_id":    cp.TaskID,
		"subtask_id": cp.SubtaskID,
		"trigger":    string(cp.Trigger),
	})
	e.log.WithFields(logrus.Fields{
		"checkpoint_id": cp.ID,
		"task_id":       cp.TaskID,
		"subtask_id":    cp.SubtaskID,
		"trigger":       cp.Trigger,
	}).Info("checkpoint created")
	return cp, nil
}

// snapshot freezes the flagged output and every sibling status; rollback
// restores from exactly this map.
func (e *Engine) snapshot(ctx context.Context, st *models.Subtask, eval *models.Evaluation) (models.CheckpointSnapshot, error) {
	subs, err := e.subtasks.ListByTask(ctx, st.TaskID)
	if err != nil {
		return models.CheckpointSnapshot{}, err
	}
	states := make(map[string]models.SubtaskStatus, len(subs))
	for _, sub := range subs {
		states[sub.ID] = sub.Status
	}
	// The caller's copy of the flagged row is the freshest.
	states[st.ID] = st.Status

	snap := models.CheckpointSnapshot{
		SubtaskOutput: st.Output,
		ErrorMessage:  st.ErrorMessage,
		SubtaskStates: states,
	}
	if eval != nil {
		score := eval.OverallScore
		snap.OverallScore = &score
	}
	return snap, nil
}

// escalate swaps the trigger to manual when the flagged subtask is a
// correction whose lineage has exhausted the cycle budget; the reviewer can
// then only approve or reject, since another correct decision would be
// refused anyway.
func (e *Engine) escalate(ctx context.Context, st *models.Subtask, trigger models.CheckpointTrigger, reason string) (models.CheckpointTrigger, string) {
	if !st.IsCorrection() || e.cfg.MaxCorrectionCycles <= 0 {
		return trigger, reason
	}
	used, err := e.corrections.CycleCount(ctx, st.ID)
	if err != nil {
		e.log.WithError(err).WithField("subtask_id", st.ID).Warn("correction cycle lookup degraded")
		return trigger, reason
	}
	if used < e.cfg.MaxCorrectionCycles {
		return trigger, reason
	}
	return models.TriggerManual, reason + "; correction cycles exhausted"
}

// afterDecision turns a committed decision into mirrors, events, queue
// purges and an audit row.
func (e *Engine) afterDecision(ctx context.Context, out *database.DecisionOutcome) {
	cp := out.Checkpoint
	data := map[string]any{
		"checkpoint_id": cp.ID,
		"task_id":       cp.TaskID,
		"subtask_id":    cp.SubtaskID,
		"action":        string(cp.Decision.Action),
		"decided_by":    cp.Decision.DecidedBy,
	}
	if out.Correction != nil {
		data["correction_subtask_id"] = out.Correction.ID
		data["cycle"] = out.Cycle
	}
	e.publish(ctx, cp.TaskID, api.NewEvent(api.EventCheckpointDecided, data))

	if out.Correction != nil {
		e.mirrorSubtask(ctx, cp.SubtaskID, models.SubtaskFailed)
		e.mirrorSubtask(ctx, out.Correction.ID, models.SubtaskPending)
	}
	if out.TaskResumed {
		e.mirrorTask(ctx, cp.TaskID, models.TaskInProgress, out.TaskProgress)
		e.publish(ctx, cp.TaskID, api.NewEvent(api.EventTaskResumed, map[string]any{
			"task_id":       cp.TaskID,
			"checkpoint_id": cp.ID,
		}))
		if e.sched != nil {
			e.sched.Wake()
		}
	}
	if out.TaskFailed {
		e.mirrorSubtask(ctx, cp.SubtaskID, models.SubtaskFailed)
		e.publish(ctx, cp.TaskID, api.NewEvent(api.EventSubtaskFailed, map[string]any{
			"subtask_id": cp.SubtaskID,
			"task_id":    cp.TaskID,
			"error":      "rejected at checkpoint",
		}))
		e.mirrorTask(ctx, cp.TaskID, models.TaskFailed, out.TaskProgress)
		e.publish(ctx, cp.TaskID, api.NewEvent(api.EventTaskFailed, map[string]any{
			"task_id":   cp.TaskID,
			"status":    string(models.TaskFailed),
			"progress":  out.TaskProgress,
			"skipped":   len(out.Skipped),
			"cancelled": len(out.Cancelled),
		}))
		e.purgeDispatch(ctx, append(append([]string(nil), out.Skipped...), out.Cancelled...))
	}

	e.record(ctx, "checkpoint", cp.ID, "checkpoint.decided", map[string]any{
		"task_id":    cp.TaskID,
		"action":     string(cp.Decision.Action),
		"decided_by": cp.Decision.DecidedBy,
	})
	e.log.WithFields(logrus.Fields{
		"checkpoint_id": cp.ID,
		"task_id":       cp.TaskID,
		"action":        cp.Decision.Action,
	}).Info("checkpoint decided")
}

// purgeDispatch removes shut-down subtasks from the queue and the binding
// set. The rows are already terminal or reset in the database, so a failed
// purge only leaves entries the scheduler drops as stale.
func (e *Engine) purgeDispatch(ctx context.Context, ids []string) {
	if e.cache == nil {
		return
	}
	for _, id := range ids {
		if err := e.cache.RemoveQueued(ctx, id); err != nil {
			e.log.WithError(err).WithField("subtask_id", id).Warn("queue purge degraded")
		}
		if err := e.cache.Unbind(ctx, id); err != nil {
			e.log.WithError(err).WithField("subtask_id", id).Warn("binding purge degraded")
		}
	}
}

func (e *Engine) mirrorSubtask(ctx context.Context, id string, status models.SubtaskStatus) {
	if e.cache == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"id": id, "status": status})
	if err != nil {
		return
	}
	if err := e.cache.SetStatusMirror(ctx, "subtask", id, payload, cache.DefaultMirrorTTL); err != nil {
		e.log.WithError(err).WithField("subtask_id", id).Warn("subtask mirror update failed")
	}
}

func (e *Engine) mirrorTask(ctx context.Context, id string, status models.TaskStatus, progress int) {
	if e.cache == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"id": id, "status": status, "progress": progress})
	if err != nil {
		return
	}
	if err := e.cache.SetStatusMirror(ctx, "task", id, payload, cache.DefaultMirrorTTL); err != nil {
		e.log.WithError(err).WithField("task_id", id).Warn("task mirror update failed")
	}
}

func (e *Engine) publish(ctx context.Context, taskID string, ev api.Event) {
	if e.events != nil {
		e.events.Publish(ctx, taskID, ev)
	}
}

func (e *Engine) record(ctx context.Context, entityType, entityID, action string, detail map[string]any) {
	if e.activity == nil {
		return
	}
	entry := &models.ActivityLog{EntityType: entityType, EntityID: entityID, Action: action, Detail: detail}
	if err := e.activity.Record(ctx, entry); err != nil {
		e.log.WithError(err).WithField(entityType+"_id", entityID).Debug("activity write failed")
	}
}

// correctionClone builds the retry subtask: a code fix depending on whatever
// the original depended on, carrying the reviewer's instructions.
func correctionClone(original *models.Subtask, instructions string) *models.Subtask {
	desc := original.Description
	if instructions != "" {
		desc = strings.TrimSpace(desc + "\n\nReviewer instructions: " + instructions)
	}
	return &models.Subtask{
		ID:                   uuid.NewString(),
		TaskID:               original.TaskID,
		Name:                 "Fix: " + original.Name,
		Description:          desc,
		SubtaskType:          models.SubtaskCodeFix,
		Status:               models.SubtaskPending,
		DependsOn:            append([]string(nil), original.DependsOn...),
		RecommendedTools:     append([]string(nil), original.RecommendedTools...),
		RequiredCapabilities: append([]string(nil), original.RequiredCapabilities...),
	}
}
