package database

import (
	"context"
	"fmt"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/models"
)

// Transactional operations. Each method runs in one transaction, locks rows
// in a fixed order (subtasks before workers, tasks first of all) and
// re-checks its invariants under lock. Callers own the cache and event
// follow-ups after commit.

// AllocateSubtask binds a subtask to a worker. Under lock it re-checks that
// the subtask is still assignable, that the worker still accepts work and
// that both capacity caps hold.
func (s *Store) AllocateSubtask(ctx context.Context, subtaskID, workerID, tool string, perWorkerCap, globalCap int) error {
	return s.WithTx(ctx, func(tx *Store) error {
		st, err := tx.Subtasks.GetForUpdate(ctx, subtaskID)
		if err != nil {
			return err
		}
		if !st.Status.Assignable() {
			return apperrors.InvalidState("subtask", subtaskID, string(st.Status))
		}

		w, err := tx.Workers.GetForUpdate(ctx, workerID)
		if err != nil {
			return err
		}
		if !w.Candidate() {
			return apperrors.InvalidState("worker", workerID, string(w.Status))
		}

		load, err := tx.Subtasks.CountInProgressByWorker(ctx, workerID)
		if err != nil {
			return err
		}
		if load >= perWorkerCap {
			e := apperrors.InvalidState("worker", workerID, string(w.Status))
			return e.WithDetail("reason", "per-worker capacity reached").WithDetail("load", load)
		}
		if globalCap > 0 {
			live, err := tx.Subtasks.CountInProgress(ctx)
			if err != nil {
				return err
			}
			if live >= globalCap {
				e := apperrors.Backpressure(0)
				return e.WithDetail("reason", "global capacity reached").WithDetail("in_progress", live)
			}
		}

		if err := tx.Subtasks.Bind(ctx, subtaskID, workerID, tool); err != nil {
			return err
		}
		return tx.Workers.SetStatus(ctx, workerID, models.WorkerBusy)
	})
}

// ReleaseOutcome reports what a release changed so the caller can update the
// cache mirrors and publish events.
type ReleaseOutcome struct {
	Subtask    *models.Subtask
	WorkerID   string
	WorkerIdle bool
}

// ReleaseSubtask finalizes an in-progress subtask and frees its worker slot.
// The worker drops back to idle only when it holds no other in-progress
// subtask; draining and offline workers keep their status.
func (s *Store) ReleaseSubtask(ctx context.Context, subtaskID string, final models.SubtaskStatus, output map[string]any, errMsg string) (*ReleaseOutcome, error) {
	if final != models.SubtaskCompleted && final != models.SubtaskFailed {
		return nil, apperrors.Validation("final status must be completed or failed, got %q", final)
	}

	out := &ReleaseOutcome{}
	err := s.WithTx(ctx, func(tx *Store) error {
		st, err := tx.Subtasks.GetForUpdate(ctx, subtaskID)
		if err != nil {
			return err
		}
		if st.Status != models.SubtaskInProgress {
			return apperrors.InvalidState("subtask", subtaskID, string(st.Status))
		}
		if err := tx.Subtasks.Finalize(ctx, subtaskID, final, output, errMsg); err != nil {
			return err
		}
		st.Status = final
		st.Output = output
		st.ErrorMessage = errMsg
		out.Subtask = st

		if st.AssignedWorkerID == nil {
			return nil
		}
		workerID := *st.AssignedWorkerID
		out.WorkerID = workerID

		w, err := tx.Workers.GetForUpdate(ctx, workerID)
		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeNotFound) {
				return nil
			}
			return err
		}
		remaining, err := tx.Subtasks.CountInProgressByWorker(ctx, workerID)
		if err != nil {
			return err
		}
		if remaining == 0 && w.Status == models.WorkerBusy {
			if err := tx.Workers.SetStatus(ctx, workerID, models.WorkerIdle); err != nil {
				return err
			}
			out.WorkerIdle = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OfflineWorker marks a worker offline and requeues its orphaned in-progress
// subtasks, all in one transaction. Returns the requeued subtask ids.
func (s *Store) OfflineWorker(ctx context.Context, workerID string) ([]string, error) {
	var orphans []string
	err := s.WithTx(ctx, func(tx *Store) error {
		ids, err := tx.Subtasks.ResetOrphans(ctx, workerID)
		if err != nil {
			return err
		}
		orphans = ids
		return tx.Workers.SetStatus(ctx, workerID, models.WorkerOffline)
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

// CancelOutcome lists the subtasks a cancellation touched, split by prior
// state so the caller can purge the right cache structures.
type CancelOutcome struct {
	CancelledPending    []string
	CancelledInProgress []string
}

// CancelTask transitions a non-terminal task to cancelled and cancels every
// live subtask. In-flight worker executions are not aborted here; workers
// learn through heartbeat directives.
func (s *Store) CancelTask(ctx context.Context, taskID string) (*CancelOutcome, error) {
	out := &CancelOutcome{}
	err := s.WithTx(ctx, func(tx *Store) error {
		t, err := tx.Tasks.GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return apperrors.InvalidState("task", taskID, string(t.Status))
		}
		if err := tx.Tasks.SetStatusAndProgress(ctx, taskID, models.TaskCancelled, t.Progress); err != nil {
			return err
		}
		pending, err := tx.Subtasks.CancelPending(ctx, taskID, models.SubtaskCancelled)
		if err != nil {
			return err
		}
		inProgress, err := tx.Subtasks.CancelInProgress(ctx, taskID)
		if err != nil {
			return err
		}
		if err := idleFreedWorkers(ctx, tx, inProgress); err != nil {
			return err
		}
		out.CancelledPending = pending
		out.CancelledInProgress = inProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertDecomposition persists a full expansion: the subtasks insert together
// and the task moves pending -> decomposed, so a failed step rolls the whole
// expansion back. The pending-only transition doubles as the idempotency
// guard against concurrent decompose calls.
func (s *Store) InsertDecomposition(ctx context.Context, taskID string, subtasks []*models.Subtask, templateID string) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.Tasks.Transition(ctx, taskID, []models.TaskStatus{models.TaskPending}, models.TaskDecomposed); err != nil {
			return err
		}
		if err := tx.Subtasks.CreateBatch(ctx, subtasks); err != nil {
			return err
		}
		if templateID != "" {
			return tx.Templates.IncrementUsage(ctx, templateID)
		}
		return nil
	})
}

// RollbackPlan enumerates exactly what a rollback will change; the preview
// endpoint returns it verbatim and ApplyRollback executes it.
type RollbackPlan struct {
	CheckpointID      string                          `json:"checkpoint_id"`
	TaskID            string                          `json:"task_id"`
	RestoreStatuses   map[string]models.SubtaskStatus `json:"restore_statuses"`
	DeleteSubtasks    []string                        `json:"delete_subtasks,omitempty"`
	DeleteCheckpoints []string                        `json:"delete_checkpoints,omitempty"`
	DeleteEvaluations bool                            `json:"delete_evaluations"`
	TaskStatus        models.TaskStatus               `json:"task_status"`
	TaskProgress      int                             `json:"task_progress"`
}

// Empty reports whether applying the plan would change nothing.
func (p *RollbackPlan) Empty() bool {
	return len(p.RestoreStatuses) == 0 && len(p.DeleteSubtasks) == 0 && len(p.DeleteCheckpoints) == 0
}

// ApplyRollback executes a rollback plan in one transaction. Applying the
// same plan twice is a no-op: restores compare against the current status
// and deletes tolerate already-missing rows.
func (s *Store) ApplyRollback(ctx context.Context, plan *RollbackPlan) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.Tasks.GetForUpdate(ctx, plan.TaskID); err != nil {
			return err
		}
		reverted := make([]string, 0, len(plan.RestoreStatuses))
		for id, status := range plan.RestoreStatuses {
			if err := tx.Subtasks.RestoreState(ctx, id, status); err != nil {
				return err
			}
			if status == models.SubtaskPending || status == models.SubtaskQueued {
				reverted = append(reverted, id)
			}
		}
		if plan.DeleteEvaluations {
			wipe := append(reverted, plan.DeleteSubtasks...)
			if err := tx.Evaluations.DeleteBySubtasks(ctx, wipe); err != nil {
				return err
			}
		}
		if err := tx.Subtasks.DeleteByIDs(ctx, plan.DeleteSubtasks); err != nil {
			return err
		}
		if err := tx.Checkpoints.DeleteByIDs(ctx, plan.DeleteCheckpoints); err != nil {
			return err
		}
		return tx.Tasks.SetStatusAndProgress(ctx, plan.TaskID, plan.TaskStatus, plan.TaskProgress)
	})
}

// TaskStatusCounts is a convenience join for progress recomputation.
type TaskStatusCounts struct {
	Total     int
	Completed int
	Failed    int
	Cancelled int
	Skipped   int
	Live      int // queued or in_progress
}

// CountTaskSubtasks aggregates a task's subtask statuses.
func (s *Store) CountTaskSubtasks(ctx context.Context, taskID string) (*TaskStatusCounts, error) {
	byStatus, err := s.Subtasks.StatusCounts(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("aggregating subtask statuses: %w", err)
	}
	counts := &TaskStatusCounts{}
	for status, n := range byStatus {
		counts.Total += n
		switch status {
		case models.SubtaskCompleted:
			counts.Completed += n
		case models.SubtaskFailed:
			counts.Failed += n
		case models.SubtaskCancelled:
			counts.Cancelled += n
		case models.SubtaskSkipped:
			counts.Skipped += n
		case models.SubtaskQueued, models.SubtaskInProgress:
			counts.Live += n
		}
	}
	return counts, nil
}

// AllTerminal reports whether every subtask reached a final state.
func (c *TaskStatusCounts) AllTerminal() bool {
	return c.Total > 0 && c.Completed+c.Failed+c.Cancelled+c.Skipped == c.Total
}

// Progress computes floor(100 * completed / total).
func (c *TaskStatusCounts) Progress() int {
	return models.Progress(c.Completed, c.Total)
}
