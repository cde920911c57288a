package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/models"
)

// CheckpointRepository persists checkpoints. The partial unique index on
// (subtask_id) WHERE status='pending' is the one-open-checkpoint guardrail.
type CheckpointRepository struct {
	repoBase
}

const checkpointColumns = `id, task_id, subtask_id, trigger, status, reason, snapshot,
	decision, created_at, updated_at, version`

// Create inserts a pending checkpoint. A second open checkpoint for the same
// subtask violates the partial unique index and surfaces as a conflict.
func (r *CheckpointRepository) Create(ctx context.Context, cp *models.Checkpoint) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	snapshot, err := marshalJSONB(cp.Snapshot)
	if err != nil {
		return err
	}
	err = r.q.QueryRow(ctx, `
		INSERT INTO checkpoints (id, task_id, subtask_id, trigger, status, reason, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at, version`,
		cp.ID, cp.TaskID, cp.SubtaskID, cp.Trigger, cp.Status, cp.Reason, snapshot,
	).Scan(&cp.CreatedAt, &cp.UpdatedAt, &cp.Version)
	if err != nil {
		if isUniqueViolation(err) {
			e := apperrors.VersionConflict("checkpoint", cp.SubtaskID, 0)
			return e.WithDetail("reason", "subtask already has an open checkpoint")
		}
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	return nil
}

// Get loads one checkpoint.
func (r *CheckpointRepository) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	row := r.q.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = $1`, id)
	cp, err := scanCheckpoint(row)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, apperrors.NotFound("checkpoint", id)
	}
	return cp, err
}

// GetForUpdate locks the checkpoint row; callers must hold a transaction.
func (r *CheckpointRepository) GetForUpdate(ctx context.Context, id string) (*models.Checkpoint, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	row := r.q.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = $1 FOR UPDATE`, id)
	cp, err := scanCheckpoint(row)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, apperrors.NotFound("checkpoint", id)
	}
	return cp, err
}

// List returns checkpoints, newest first, optionally filtered.
func (r *CheckpointRepository) List(ctx context.Context, taskID string, status models.CheckpointStatus) ([]*models.Checkpoint, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
		WHERE ($1 = '' OR task_id::text = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC`, taskID, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointRows(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// ListNewerThan returns the task's checkpoints created after the given one;
// rollback deletes them.
func (r *CheckpointRepository) ListNewerThan(ctx context.Context, taskID string, after *models.Checkpoint) ([]*models.Checkpoint, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
		WHERE task_id = $1 AND (created_at > $2 OR (created_at = $2 AND id > $3))
		ORDER BY created_at ASC`, taskID, after.CreatedAt, after.ID)
	if err != nil {
		return nil, fmt.Errorf("listing newer checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointRows(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// DeleteByIDs removes checkpoints during rollback.
func (r *CheckpointRepository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if _, err := r.q.Exec(ctx, `DELETE FROM checkpoints WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("deleting checkpoints: %w", err)
	}
	return nil
}

// HasPending reports whether the task has any open checkpoint.
func (r *CheckpointRepository) HasPending(ctx context.Context, taskID string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM checkpoints WHERE task_id = $1 AND status = 'pending')`, taskID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probing pending checkpoints: %w", err)
	}
	return exists, nil
}

// Decide resolves a pending checkpoint with the recorded decision. Only
// pending checkpoints transition; anything else conflicts.
func (r *CheckpointRepository) Decide(ctx context.Context, id string, status models.CheckpointStatus, decision models.CheckpointDecision) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	decisionJSON, err := marshalJSONB(decision)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE checkpoints SET status = $1, decision = $2, version = version + 1, updated_at = now()
		WHERE id = $3 AND status = 'pending'`,
		status, decisionJSON, id)
	if err != nil {
		return fmt.Errorf("deciding checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := r.q.QueryRow(ctx, `SELECT status FROM checkpoints WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("checkpoint", id)
		}
		if err != nil {
			return fmt.Errorf("probing checkpoint: %w", err)
		}
		e := apperrors.VersionConflict("checkpoint", id, 0)
		return e.WithDetail("current_status", current)
	}
	return nil
}

// isUniqueViolation matches SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanCheckpoint(row pgx.Row) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var snapshot, decision []byte
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.SubtaskID, &cp.Trigger, &cp.Status, &cp.Reason,
		&snapshot, &decision, &cp.CreatedAt, &cp.UpdatedAt, &cp.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("checkpoint", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning checkpoint: %w", err)
	}
	if err := unmarshalJSONB(snapshot, &cp.Snapshot); err != nil {
		return nil, err
	}
	if len(decision) > 0 && string(decision) != "null" {
		cp.Decision = &models.CheckpointDecision{}
		if err := unmarshalJSONB(decision, cp.Decision); err != nil {
			return nil, err
		}
	}
	return &cp, nil
}

func scanCheckpointRows(rows pgx.Rows) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var snapshot, decision []byte
	err := rows.Scan(&cp.ID, &cp.TaskID, &cp.SubtaskID, &cp.Trigger, &cp.Status, &cp.Reason,
		&snapshot, &decision, &cp.CreatedAt, &cp.UpdatedAt, &cp.Version)
	if err != nil {
		return nil, fmt.Errorf("scanning checkpoint: %w", err)
	}
	if err := unmarshalJSONB(snapshot, &cp.Snapshot); err != nil {
		return nil, err
	}
	if len(decision) > 0 && string(decision) != "null" {
		cp.Decision = &models.CheckpointDecision{}
		if err := unmarshalJSONB(decision, cp.Decision); err != nil {
			return nil, err
		}
	}
	return &cp, nil
}
