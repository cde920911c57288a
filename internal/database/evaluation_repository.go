package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/models"
)

// EvaluationRepository persists subtask result evaluations.
type EvaluationRepository struct {
	repoBase
}

// Create inserts an evaluation.
func (r *EvaluationRepository) Create(ctx context.Context, ev *models.Evaluation) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	scores, err := marshalJSONB(ev.Scores)
	if err != nil {
		return err
	}
	err = r.q.QueryRow(ctx, `
		INSERT INTO evaluations (id, subtask_id, worker_id, scores, overall_score, feedback)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6)
		RETURNING created_at`,
		ev.ID, ev.SubtaskID, ev.WorkerID, scores, ev.OverallScore, ev.Feedback,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting evaluation: %w", err)
	}
	return nil
}

// LatestBySubtask returns the newest evaluation for a subtask.
func (r *EvaluationRepository) LatestBySubtask(ctx context.Context, subtaskID string) (*models.Evaluation, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var ev models.Evaluation
	var scores []byte
	var workerID *string
	err := r.q.QueryRow(ctx, `
		SELECT id, subtask_id, worker_id, scores, overall_score, feedback, created_at
		FROM evaluations WHERE subtask_id = $1
		ORDER BY created_at DESC LIMIT 1`, subtaskID,
	).Scan(&ev.ID, &ev.SubtaskID, &workerID, &scores, &ev.OverallScore, &ev.Feedback, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("evaluation", subtaskID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading evaluation: %w", err)
	}
	if workerID != nil {
		ev.WorkerID = *workerID
	}
	if err := unmarshalJSONB(scores, &ev.Scores); err != nil {
		return nil, err
	}
	return &ev, nil
}

// DeleteBySubtasks removes the evaluations of reverted subtasks.
func (r *EvaluationRepository) DeleteBySubtasks(ctx context.Context, subtaskIDs []string) error {
	if len(subtaskIDs) == 0 {
		return nil
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if _, err := r.q.Exec(ctx, `DELETE FROM evaluations WHERE subtask_id = ANY($1)`, subtaskIDs); err != nil {
		return fmt.Errorf("deleting evaluations: %w", err)
	}
	return nil
}

// ListBySubtask returns all evaluations of a subtask, newest first.
func (r *EvaluationRepository) ListBySubtask(ctx context.Context, subtaskID string) ([]*models.Evaluation, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `
		SELECT id, subtask_id, worker_id, scores, overall_score, feedback, created_at
		FROM evaluations WHERE subtask_id = $1 ORDER BY created_at DESC`, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("listing evaluations: %w", err)
	}
	defer rows.Close()

	var evs []*models.Evaluation
	for rows.Next() {
		var ev models.Evaluation
		var scores []byte
		var workerID *string
		if err := rows.Scan(&ev.ID, &ev.SubtaskID, &workerID, &scores, &ev.OverallScore, &ev.Feedback, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning evaluation: %w", err)
		}
		if workerID != nil {
			ev.WorkerID = *workerID
		}
		if err := unmarshalJSONB(scores, &ev.Scores); err != nil {
			return nil, err
		}
		evs = append(evs, &ev)
	}
	return evs, rows.Err()
}
