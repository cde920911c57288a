package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/models"
)

// SubtaskRepository persists subtasks, the nodes of each task's DAG.
type SubtaskRepository struct {
	repoBase
}

const subtaskColumns = `id, task_id, name, description, subtask_type, status, depends_on,
	recommended_tools, required_capabilities, assigned_worker_id, assigned_tool, output,
	error_message, attempts, correction_of, queued_at, started_at, completed_at,
	created_at, updated_at, version`

// CreateBatch inserts all subtasks of one decomposition; run inside the
// decomposer's transaction so expansion is all-or-nothing.
func (r *SubtaskRepository) CreateBatch(ctx context.Context, subtasks []*models.Subtask) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	for _, st := range subtasks {
		dependsOn, err := marshalJSONB(st.DependsOn)
		if err != nil {
			return err
		}
		tools, err := marshalJSONB(st.RecommendedTools)
		if err != nil {
			return err
		}
		caps, err := marshalJSONB(st.RequiredCapabilities)
		if err != nil {
			return err
		}
		err = r.q.QueryRow(ctx, `
			INSERT INTO subtasks (id, task_id, name, description, subtask_type, status,
				depends_on, recommended_tools, required_capabilities, correction_of)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING created_at, updated_at, version`,
			st.ID, st.TaskID, st.Name, st.Description, st.SubtaskType, st.Status,
			dependsOn, tools, caps, st.CorrectionOf,
		).Scan(&st.CreatedAt, &st.UpdatedAt, &st.Version)
		if err != nil {
			return fmt.Errorf("inserting subtask %s: %w", st.Name, err)
		}
	}
	return nil
}

// Get loads one subtask.
func (r *SubtaskRepository) Get(ctx context.Context, id string) (*models.Subtask, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	row := r.q.QueryRow(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = $1`, id)
	st, err := scanSubtask(row)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, apperrors.NotFound("subtask", id)
	}
	return st, err
}

// GetForUpdate locks the subtask row; callers must hold a transaction.
func (r *SubtaskRepository) GetForUpdate(ctx context.Context, id string) (*models.Subtask, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	row := r.q.QueryRow(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = $1 FOR UPDATE`, id)
	st, err := scanSubtask(row)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, apperrors.NotFound("subtask", id)
	}
	return st, err
}

// ListByTask returns every subtask of a task, stable creation order.
func (r *SubtaskRepository) ListByTask(ctx context.Context, taskID string) ([]*models.Subtask, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+subtaskColumns+` FROM subtasks
		WHERE task_id = $1 ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing subtasks: %w", err)
	}
	defer rows.Close()
	return collectSubtasks(rows)
}

// ListByIDs loads a batch of subtasks (queue drain).
func (r *SubtaskRepository) ListByIDs(ctx context.Context, ids []string) ([]*models.Subtask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("loading subtasks batch: %w", err)
	}
	defer rows.Close()
	return collectSubtasks(rows)
}

// CountInProgress is the authoritative global capacity count.
func (r *SubtaskRepository) CountInProgress(ctx context.Context) (int, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM subtasks WHERE status = 'in_progress'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting in-progress subtasks: %w", err)
	}
	return n, nil
}

// CountInProgressByWorker enforces the per-worker cap.
func (r *SubtaskRepository) CountInProgressByWorker(ctx context.Context, workerID string) (int, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM subtasks
		WHERE assigned_worker_id = $1 AND status = 'in_progress'`, workerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting worker subtasks: %w", err)
	}
	return n, nil
}

// CountInProgressGrouped returns in-progress counts per worker in one
// query; the allocator ranks candidates with it.
func (r *SubtaskRepository) CountInProgressGrouped(ctx context.Context) (map[string]int, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT assigned_worker_id, COUNT(*) FROM subtasks
		WHERE status = 'in_progress' AND assigned_worker_id IS NOT NULL
		GROUP BY assigned_worker_id`)
	if err != nil {
		return nil, fmt.Errorf("counting worker loads: %w", err)
	}
	defer rows.Close()

	loads := make(map[string]int)
	for rows.Next() {
		var workerID string
		var n int
		if err := rows.Scan(&workerID, &n); err != nil {
			return nil, fmt.Errorf("scanning worker load: %w", err)
		}
		loads[workerID] = n
	}
	return loads, rows.Err()
}

// LoadByWorker returns a worker's in-progress assignments (heartbeat
// directive reconciliation and offline requeue).
func (r *SubtaskRepository) LoadByWorker(ctx context.Context, workerID string) ([]*models.Subtask, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+subtaskColumns+` FROM subtasks
		WHERE assigned_worker_id = $1 AND status = 'in_progress'`, workerID)
	if err != nil {
		return nil, fmt.Errorf("loading worker subtasks: %w", err)
	}
	defer rows.Close()
	return collectSubtasks(rows)
}

// MarkQueued moves an assignable subtask onto the queue, bumping attempts.
func (r *SubtaskRepository) MarkQueued(ctx context.Context, id string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	tag, err := r.q.Exec(ctx, `
		UPDATE subtasks SET status = 'queued', queued_at = now(), attempts = attempts + 1,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'queued')`, id)
	if err != nil {
		return fmt.Errorf("queueing subtask: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// Bind writes an assignment; the allocator calls it inside a transaction
// with both rows locked.
func (r *SubtaskRepository) Bind(ctx context.Context, id, workerID, tool string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	tag, err := r.q.Exec(ctx, `
		UPDATE subtasks SET status = 'in_progress', assigned_worker_id = $1, assigned_tool = $2,
			started_at = now(), version = version + 1, updated_at = now()
		WHERE id = $3 AND status IN ('pending', 'queued')`,
		workerID, tool, id)
	if err != nil {
		return fmt.Errorf("binding subtask: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// Finalize records a terminal outcome for an in-progress subtask.
func (r *SubtaskRepository) Finalize(ctx context.Context, id string, status models.SubtaskStatus, output map[string]any, errMsg string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	outputJSON, err := marshalJSONB(output)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE subtasks SET status = $1, output = $2, error_message = $3, completed_at = now(),
			version = version + 1, updated_at = now()
		WHERE id = $4 AND status = 'in_progress'`,
		status, outputJSON, errMsg, id)
	if err != nil {
		return fmt.Errorf("finalizing subtask: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// ResetOrphans requeues every in-progress subtask of an offline worker and
// returns the affected ids. Runs inside the health checker's transaction.
func (r *SubtaskRepository) ResetOrphans(ctx context.Context, workerID string) ([]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `
		UPDATE subtasks SET status = 'queued', assigned_worker_id = NULL, assigned_tool = '',
			started_at = NULL, queued_at = now(), attempts = attempts + 1,
			version = version + 1, updated_at = now()
		WHERE assigned_worker_id = $1 AND status = 'in_progress'
		RETURNING id`, workerID)
	if err != nil {
		return nil, fmt.Errorf("resetting orphaned subtasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CancelPending marks the given non-terminal subtasks of a task as skipped
// (reject flow) or cancelled (task cancellation).
func (r *SubtaskRepository) CancelPending(ctx context.Context, taskID string, to models.SubtaskStatus) ([]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `
		UPDATE subtasks SET status = $1, version = version + 1, updated_at = now()
		WHERE task_id = $2 AND status IN ('pending', 'queued')
		RETURNING id`, to, taskID)
	if err != nil {
		return nil, fmt.Errorf("cancelling pending subtasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CancelInProgress cancels the given in-progress subtasks (task
// cancellation); workers learn via heartbeat directives.
func (r *SubtaskRepository) CancelInProgress(ctx context.Context, taskID string) ([]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `
		UPDATE subtasks SET status = 'cancelled', completed_at = now(),
			version = version + 1, updated_at = now()
		WHERE task_id = $1 AND status = 'in_progress'
		RETURNING id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("cancelling in-progress subtasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RestoreState rewinds one subtask to a snapshot status, clearing execution
// artifacts when the target state precedes execution. Rollback calls this
// inside its transaction; re-running is a no-op once statuses match.
func (r *SubtaskRepository) RestoreState(ctx context.Context, id string, to models.SubtaskStatus) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	wipe := to == models.SubtaskPending || to == models.SubtaskQueued
	var err error
	if wipe {
		_, err = r.q.Exec(ctx, `
			UPDATE subtasks SET status = $1, output = NULL, error_message = '',
				assigned_worker_id = NULL, assigned_tool = '', started_at = NULL,
				completed_at = NULL, version = version + 1, updated_at = now()
			WHERE id = $2 AND status <> $1`, to, id)
	} else {
		_, err = r.q.Exec(ctx, `
			UPDATE subtasks SET status = $1, version = version + 1, updated_at = now()
			WHERE id = $2 AND status <> $1`, to, id)
	}
	if err != nil {
		return fmt.Errorf("restoring subtask state: %w", err)
	}
	return nil
}

// DeleteByIDs removes subtasks outright; rollback uses it for subtasks that
// did not exist when the checkpoint was taken.
func (r *SubtaskRepository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if _, err := r.q.Exec(ctx, `DELETE FROM subtasks WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("deleting subtasks: %w", err)
	}
	return nil
}

// ListStale returns in-progress subtasks started before the cutoff (timeout
// checkpoint sweep).
func (r *SubtaskRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Subtask, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+subtaskColumns+` FROM subtasks
		WHERE status = 'in_progress' AND started_at IS NOT NULL AND started_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale subtasks: %w", err)
	}
	defer rows.Close()
	return collectSubtasks(rows)
}

// StatusCounts groups a task's subtasks by status for progress computation.
func (r *SubtaskRepository) StatusCounts(ctx context.Context, taskID string) (map[models.SubtaskStatus]int, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT status, COUNT(*) FROM subtasks
		WHERE task_id = $1 GROUP BY status`, taskID)
	if err != nil {
		return nil, fmt.Errorf("counting subtask statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[models.SubtaskStatus]int)
	for rows.Next() {
		var status models.SubtaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// CompletedCount returns how many subtasks of the task completed; the
// cadence rule works off it.
func (r *SubtaskRepository) CompletedCount(ctx context.Context, taskID string) (int, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM subtasks
		WHERE task_id = $1 AND status = 'completed'`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting completed subtasks: %w", err)
	}
	return n, nil
}

// RewireDependents replaces references to a failed subtask with its
// correction subtask so downstream steps wait for the retry.
func (r *SubtaskRepository) RewireDependents(ctx context.Context, taskID, oldID, newID string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	_, err := r.q.Exec(ctx, `
		UPDATE subtasks SET depends_on = (
			SELECT COALESCE(jsonb_agg(CASE WHEN dep = to_jsonb($2::text) THEN to_jsonb($3::text) ELSE dep END), '[]'::jsonb)
			FROM jsonb_array_elements(depends_on) AS dep
		), version = version + 1, updated_at = now()
		WHERE task_id = $1 AND depends_on @> to_jsonb(ARRAY[$2::text])`,
		taskID, oldID, newID)
	if err != nil {
		return fmt.Errorf("rewiring dependents: %w", err)
	}
	return nil
}

func (r *SubtaskRepository) conflictOrMissing(ctx context.Context, id string) error {
	var status string
	err := r.q.QueryRow(ctx, `SELECT status FROM subtasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("subtask", id)
	}
	if err != nil {
		return fmt.Errorf("probing subtask: %w", err)
	}
	e := apperrors.VersionConflict("subtask", id, 0)
	return e.WithDetail("current_status", status)
}

func collectSubtasks(rows pgx.Rows) ([]*models.Subtask, error) {
	var subtasks []*models.Subtask
	for rows.Next() {
		st, err := scanSubtaskRows(rows)
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, rows.Err()
}

func scanSubtask(row pgx.Row) (*models.Subtask, error) {
	var st models.Subtask
	var dependsOn, tools, caps, output []byte
	err := row.Scan(&st.ID, &st.TaskID, &st.Name, &st.Description, &st.SubtaskType, &st.Status,
		&dependsOn, &tools, &caps, &st.AssignedWorkerID, &st.AssignedTool, &output,
		&st.ErrorMessage, &st.Attempts, &st.CorrectionOf, &st.QueuedAt, &st.StartedAt,
		&st.CompletedAt, &st.CreatedAt, &st.UpdatedAt, &st.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("subtask", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning subtask: %w", err)
	}
	if err := decodeSubtaskJSON(&st, dependsOn, tools, caps, output); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanSubtaskRows(rows pgx.Rows) (*models.Subtask, error) {
	var st models.Subtask
	var dependsOn, tools, caps, output []byte
	err := rows.Scan(&st.ID, &st.TaskID, &st.Name, &st.Description, &st.SubtaskType, &st.Status,
		&dependsOn, &tools, &caps, &st.AssignedWorkerID, &st.AssignedTool, &output,
		&st.ErrorMessage, &st.Attempts, &st.CorrectionOf, &st.QueuedAt, &st.StartedAt,
		&st.CompletedAt, &st.CreatedAt, &st.UpdatedAt, &st.Version)
	if err != nil {
		return nil, fmt.Errorf("scanning subtask: %w", err)
	}
	if err := decodeSubtaskJSON(&st, dependsOn, tools, caps, output); err != nil {
		return nil, err
	}
	return &st, nil
}

func decodeSubtaskJSON(st *models.Subtask, dependsOn, tools, caps, output []byte) error {
	if err := unmarshalJSONB(dependsOn, &st.DependsOn); err != nil {
		return err
	}
	if err := unmarshalJSONB(tools, &st.RecommendedTools); err != nil {
		return err
	}
	if err := unmarshalJSONB(caps, &st.RequiredCapabilities); err != nil {
		return err
	}
	return unmarshalJSONB(output, &st.Output)
}
