package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/models"
)

// TaskRepository persists tasks.
type TaskRepository struct {
	repoBase
}

const taskColumns = `id, user_id, title, description, task_type, status, priority,
	progress, sensitive, metadata, created_at, updated_at, version`

// Create inserts a new task and fills the server-side columns.
func (r *TaskRepository) Create(ctx context.Context, t *models.Task) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	metadata, err := marshalJSONB(t.Metadata)
	if err != nil {
		return err
	}
	err = r.q.QueryRow(ctx, `
		INSERT INTO tasks (id, user_id, title, description, task_type, status, priority, sensitive, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at, version`,
		t.ID, t.UserID, t.Title, t.Description, t.TaskType, t.Status, t.Priority, t.Sensitive, metadata,
	).Scan(&t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// Get loads one task.
func (r *TaskRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	row := r.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, apperrors.NotFound("task", id)
	}
	return t, err
}

// GetForUpdate locks the task row; callers must hold a transaction.
func (r *TaskRepository) GetForUpdate(ctx context.Context, id string) (*models.Task, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	row := r.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTask(row)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, apperrors.NotFound("task", id)
	}
	return t, err
}

// TaskFilter narrows List.
type TaskFilter struct {
	Status   models.TaskStatus
	TaskType models.TaskType
	UserID   string
	Limit    int
	Offset   int
}

// List returns a filtered page plus the unpaged total.
func (r *TaskRepository) List(ctx context.Context, f TaskFilter) ([]*models.Task, int, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	where := ` WHERE ($1 = '' OR status = $1) AND ($2 = '' OR task_type = $2) AND ($3 = '' OR user_id = $3)`
	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where,
		string(f.Status), string(f.TaskType), f.UserID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting tasks: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.q.Query(ctx, `SELECT `+taskColumns+` FROM tasks`+where+`
		ORDER BY created_at DESC LIMIT $4 OFFSET $5`,
		string(f.Status), string(f.TaskType), f.UserID, limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// ListActive returns tasks the scheduler still feeds, highest priority first.
func (r *TaskRepository) ListActive(ctx context.Context) ([]*models.Task, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('decomposed', 'in_progress')
		ORDER BY CASE priority
			WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0
		END DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Transition moves a task from any of the expected statuses, bumping the
// version. Returns RESOURCE_001 for a missing task, RESOURCE_004 when the
// task exists in another status.
func (r *TaskRepository) Transition(ctx context.Context, id string, from []models.TaskStatus, to models.TaskStatus) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE tasks SET status = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND status = ANY($3)`,
		to, id, fromStrs)
	if err != nil {
		return fmt.Errorf("transitioning task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// CASStatus is the API-facing versioned status update.
func (r *TaskRepository) CASStatus(ctx context.Context, id string, version int, to models.TaskStatus) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	tag, err := r.q.Exec(ctx, `
		UPDATE tasks SET status = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND version = $3`,
		to, id, version)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := r.conflictOrMissing(ctx, id); apperrors.IsCode(err, apperrors.CodeNotFound) {
			return err
		}
		return apperrors.VersionConflict("task", id, version)
	}
	return nil
}

// SetProgress writes the recomputed progress without touching status.
func (r *TaskRepository) SetProgress(ctx context.Context, id string, progress int) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	tag, err := r.q.Exec(ctx, `
		UPDATE tasks SET progress = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND progress <> $1`,
		progress, id)
	if err != nil {
		return fmt.Errorf("updating task progress: %w", err)
	}
	_ = tag
	return nil
}

// SetStatusAndProgress is used by rollback and terminal transitions inside a
// transaction where the row is already locked.
func (r *TaskRepository) SetStatusAndProgress(ctx context.Context, id string, status models.TaskStatus, progress int) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	tag, err := r.q.Exec(ctx, `
		UPDATE tasks SET status = $1, progress = $2, version = version + 1, updated_at = now()
		WHERE id = $3`,
		status, progress, id)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

// CountByStatus feeds the metrics gauges.
func (r *TaskRepository) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks by status: %w", err)
	}
	defer rows.Close()

	out := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (r *TaskRepository) conflictOrMissing(ctx context.Context, id string) error {
	var status string
	err := r.q.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("task", id)
	}
	if err != nil {
		return fmt.Errorf("probing task: %w", err)
	}
	e := apperrors.VersionConflict("task", id, 0)
	return e.WithDetail("current_status", status)
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var metadata []byte
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.TaskType, &t.Status,
		&t.Priority, &t.Progress, &t.Sensitive, &metadata, &t.CreatedAt, &t.UpdatedAt, &t.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("task", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	if err := unmarshalJSONB(metadata, &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTaskRows(rows pgx.Rows) (*models.Task, error) {
	var t models.Task
	var metadata []byte
	err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.TaskType, &t.Status,
		&t.Priority, &t.Progress, &t.Sensitive, &metadata, &t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	if err := unmarshalJSONB(metadata, &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}
