package database

import (
	"context"

	"github.com/google/uuid"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/models"
)

// CheckpointOutcome reports what creating a checkpoint changed so the caller
// can refresh mirrors and publish the pause event exactly when it happened.
type CheckpointOutcome struct {
	Checkpoint *models.Checkpoint
	TaskPaused bool
}

// CreateCheckpoint inserts a pending checkpoint and pauses its task in one
// transaction. The partial unique index on open checkpoints makes the insert
// itself the one-per-subtask guardrail; a duplicate surfaces as a conflict.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) (*CheckpointOutcome, error) {
	out := &CheckpointOutcome{Checkpoint: cp}
	err := s.WithTx(ctx, func(tx *Store) error {
		t, err := tx.Tasks.GetForUpdate(ctx, cp.TaskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return apperrors.InvalidState("task", cp.TaskID, string(t.Status))
		}
		if err := tx.Checkpoints.Create(ctx, cp); err != nil {
			return err
		}
		if t.Status == models.TaskPaused {
			return nil
		}
		if err := tx.Tasks.Transition(ctx, cp.TaskID, []models.TaskStatus{t.Status}, models.TaskPaused); err != nil {
			return err
		}
		out.TaskPaused = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecisionOutcome reports everything a checkpoint decision changed: the
// decided checkpoint, task movement, the spawned correction if any, and the
// subtasks a rejection shut down. Callers translate it into cache updates
// and events after commit.
type DecisionOutcome struct {
	Checkpoint   *models.Checkpoint
	TaskID       string
	TaskResumed  bool
	TaskFailed   bool
	TaskProgress int
	Correction   *models.Subtask
	Cycle        int
	Skipped      []string
	Cancelled    []string
}

// ApproveCheckpoint accepts the flagged output as-is. The task resumes when
// no other checkpoint is still open.
func (s *Store) ApproveCheckpoint(ctx context.Context, id string, decision models.CheckpointDecision) (*DecisionOutcome, error) {
	out := &DecisionOutcome{}
	err := s.WithTx(ctx, func(tx *Store) error {
		cp, t, err := lockPendingCheckpoint(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := tx.Checkpoints.Decide(ctx, id, models.CheckpointApproved, decision); err != nil {
			return err
		}
		cp.Status = models.CheckpointApproved
		cp.Decision = &decision
		out.Checkpoint = cp
		out.TaskID = cp.TaskID
		out.TaskProgress = t.Progress

		resumed, err := resumeIfClear(ctx, tx, t)
		if err != nil {
			return err
		}
		out.TaskResumed = resumed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CorrectCheckpoint spawns a correction subtask for the flagged one. The
// clone inherits the original's dependencies unless the caller set its own,
// dependents rewire to the clone, and the original drops to failed. The
// lineage cycle budget is enforced here; exceeding it changes nothing.
func (s *Store) CorrectCheckpoint(ctx context.Context, id string, decision models.CheckpointDecision, clone *models.Subtask, maxCycles int) (*DecisionOutcome, error) {
	if clone == nil || clone.ID == "" {
		return nil, apperrors.Validation("correction requires a prepared subtask")
	}

	out := &DecisionOutcome{}
	err := s.WithTx(ctx, func(tx *Store) error {
		cp, t, err := lockPendingCheckpoint(ctx, tx, id)
		if err != nil {
			return err
		}
		original, err := tx.Subtasks.GetForUpdate(ctx, cp.SubtaskID)
		if err != nil {
			return err
		}
		used, err := tx.Corrections.CycleCount(ctx, original.ID)
		if err != nil {
			return err
		}
		cycle := used + 1
		if cycle > maxCycles {
			return apperrors.CorrectionLimit(original.ID, maxCycles)
		}

		clone.TaskID = cp.TaskID
		clone.Status = models.SubtaskPending
		clone.CorrectionOf = &original.ID
		if len(clone.DependsOn) == 0 {
			clone.DependsOn = original.DependsOn
		}
		if err := tx.Subtasks.CreateBatch(ctx, []*models.Subtask{clone}); err != nil {
			return err
		}
		if err := tx.Subtasks.RewireDependents(ctx, cp.TaskID, original.ID, clone.ID); err != nil {
			return err
		}
		if err := failSubtask(ctx, tx, original, "superseded by correction"); err != nil {
			return err
		}
		corr := &models.Correction{
			ID:                  uuid.NewString(),
			CheckpointID:        cp.ID,
			OriginalSubtaskID:   original.ID,
			CorrectionSubtaskID: clone.ID,
			Cycle:               cycle,
			Instructions:        decision.Feedback,
		}
		if err := tx.Corrections.Create(ctx, corr); err != nil {
			return err
		}
		if err := tx.Checkpoints.Decide(ctx, id, models.CheckpointCorrected, decision); err != nil {
			return err
		}
		cp.Status = models.CheckpointCorrected
		cp.Decision = &decision
		out.Checkpoint = cp
		out.TaskID = cp.TaskID
		out.Correction = clone
		out.Cycle = cycle

		counts, err := tx.CountTaskSubtasks(ctx, cp.TaskID)
		if err != nil {
			return err
		}
		if err := tx.Tasks.SetProgress(ctx, cp.TaskID, counts.Progress()); err != nil {
			return err
		}
		out.TaskProgress = counts.Progress()
		resumed, err := resumeIfClear(ctx, tx, t)
		if err != nil {
			return err
		}
		out.TaskResumed = resumed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RejectCheckpoint abandons the task: the flagged subtask fails, remaining
// pending and queued rows skip, in-progress rows cancel with their worker
// slots freed, and the task lands on failed with recomputed progress.
func (s *Store) RejectCheckpoint(ctx context.Context, id string, decision models.CheckpointDecision) (*DecisionOutcome, error) {
	out := &DecisionOutcome{}
	err := s.WithTx(ctx, func(tx *Store) error {
		cp, _, err := lockPendingCheckpoint(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := tx.Checkpoints.Decide(ctx, id, models.CheckpointRejected, decision); err != nil {
			return err
		}
		cp.Status = models.CheckpointRejected
		cp.Decision = &decision
		out.Checkpoint = cp
		out.TaskID = cp.TaskID

		flagged, err := tx.Subtasks.GetForUpdate(ctx, cp.SubtaskID)
		if err != nil {
			return err
		}
		if err := failSubtask(ctx, tx, flagged, "rejected at checkpoint"); err != nil {
			return err
		}
		skipped, err := tx.Subtasks.CancelPending(ctx, cp.TaskID, models.SubtaskSkipped)
		if err != nil {
			return err
		}
		cancelled, err := tx.Subtasks.CancelInProgress(ctx, cp.TaskID)
		if err != nil {
			return err
		}
		if err := idleFreedWorkers(ctx, tx, cancelled); err != nil {
			return err
		}
		out.Skipped = skipped
		out.Cancelled = cancelled

		counts, err := tx.CountTaskSubtasks(ctx, cp.TaskID)
		if err != nil {
			return err
		}
		if err := tx.Tasks.SetStatusAndProgress(ctx, cp.TaskID, models.TaskFailed, counts.Progress()); err != nil {
			return err
		}
		out.TaskFailed = true
		out.TaskProgress = counts.Progress()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lockPendingCheckpoint locks the task row and then the checkpoint row, in
// that order, and verifies the checkpoint is still open. The unlocked peek
// only discovers the task id; both rows are re-read under lock.
func lockPendingCheckpoint(ctx context.Context, tx *Store, id string) (*models.Checkpoint, *models.Task, error) {
	peek, err := tx.Checkpoints.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	t, err := tx.Tasks.GetForUpdate(ctx, peek.TaskID)
	if err != nil {
		return nil, nil, err
	}
	cp, err := tx.Checkpoints.GetForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if cp.Status != models.CheckpointPending {
		return nil, nil, apperrors.InvalidState("checkpoint", id, string(cp.Status))
	}
	return cp, t, nil
}

// resumeIfClear moves a paused task back to in_progress once no pending
// checkpoint remains. Tasks in any other state are left alone.
func resumeIfClear(ctx context.Context, tx *Store, t *models.Task) (bool, error) {
	if t.Status != models.TaskPaused {
		return false, nil
	}
	open, err := tx.Checkpoints.HasPending(ctx, t.ID)
	if err != nil || open {
		return false, err
	}
	if err := tx.Tasks.Transition(ctx, t.ID, []models.TaskStatus{models.TaskPaused}, models.TaskInProgress); err != nil {
		return false, err
	}
	return true, nil
}

// failSubtask drops a live subtask to failed. In-progress rows finalize and
// free their worker slot; rows already failed pass through untouched.
func failSubtask(ctx context.Context, tx *Store, st *models.Subtask, errMsg string) error {
	switch st.Status {
	case models.SubtaskFailed:
		return nil
	case models.SubtaskInProgress:
		if err := tx.Subtasks.Finalize(ctx, st.ID, models.SubtaskFailed, st.Output, errMsg); err != nil {
			return err
		}
		return idleWorkerIfFree(ctx, tx, st.AssignedWorkerID)
	default:
		return tx.Subtasks.RestoreState(ctx, st.ID, models.SubtaskFailed)
	}
}

// idleFreedWorkers drops busy workers back to idle once cancellation left
// them without in-progress work. Cancelled rows keep their worker reference,
// which is how the freed workers are found.
func idleFreedWorkers(ctx context.Context, tx *Store, subtaskIDs []string) error {
	if len(subtaskIDs) == 0 {
		return nil
	}
	subs, err := tx.Subtasks.ListByIDs(ctx, subtaskIDs)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(subs))
	for _, st := range subs {
		if st.AssignedWorkerID == nil {
			continue
		}
		if _, done := seen[*st.AssignedWorkerID]; done {
			continue
		}
		seen[*st.AssignedWorkerID] = struct{}{}
		if err := idleWorkerIfFree(ctx, tx, st.AssignedWorkerID); err != nil {
			return err
		}
	}
	return nil
}

// idleWorkerIfFree mirrors the release path: a busy worker with no remaining
// in-progress subtask drops to idle; draining and offline workers keep their
// status. Workers deregistered mid-flight are tolerated.
func idleWorkerIfFree(ctx context.Context, tx *Store, workerID *string) error {
	if workerID == nil {
		return nil
	}
	w, err := tx.Workers.GetForUpdate(ctx, *workerID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if w.Status != models.WorkerBusy {
		return nil
	}
	remaining, err := tx.Subtasks.CountInProgressByWorker(ctx, *workerID)
	if err != nil {
		return err
	}
	if remaining != 0 {
		return nil
	}
	return tx.Workers.SetStatus(ctx, *workerID, models.WorkerIdle)
}
