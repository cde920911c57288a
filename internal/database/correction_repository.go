package database

import (
	"context"
	"fmt"

	"dev.helix.conductor/internal/models"
)

// CorrectionRepository persists the links between checkpoint decisions and
// the retry subtasks they spawned.
type CorrectionRepository struct {
	repoBase
}

// Create records one correction cycle.
func (r *CorrectionRepository) Create(ctx context.Context, c *models.Correction) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	err := r.q.QueryRow(ctx, `
		INSERT INTO corrections (id, checkpoint_id, original_subtask_id, correction_subtask_id, cycle, instructions)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		c.ID, c.CheckpointID, c.OriginalSubtaskID, c.CorrectionSubtaskID, c.Cycle, c.Instructions,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting correction: %w", err)
	}
	return nil
}

// CycleCount returns how many correction cycles a lineage has consumed. The
// lineage is followed backwards: a correction of a correction counts against
// the same budget as the original.
func (r *CorrectionRepository) CycleCount(ctx context.Context, subtaskID string) (int, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var n int
	err := r.q.QueryRow(ctx, `
		WITH RECURSIVE lineage AS (
			SELECT original_subtask_id, correction_subtask_id
			FROM corrections WHERE correction_subtask_id = $1
			UNION ALL
			SELECT c.original_subtask_id, c.correction_subtask_id
			FROM corrections c
			JOIN lineage l ON c.correction_subtask_id = l.original_subtask_id
		)
		SELECT COUNT(*) FROM lineage`, subtaskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting correction cycles: %w", err)
	}
	return n, nil
}

// ListByCheckpoint returns the corrections spawned by one checkpoint.
func (r *CorrectionRepository) ListByCheckpoint(ctx context.Context, checkpointID string) ([]*models.Correction, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `
		SELECT id, checkpoint_id, original_subtask_id, correction_subtask_id, cycle, instructions, created_at
		FROM corrections WHERE checkpoint_id = $1 ORDER BY created_at ASC`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("listing corrections: %w", err)
	}
	defer rows.Close()

	var out []*models.Correction
	for rows.Next() {
		var c models.Correction
		if err := rows.Scan(&c.ID, &c.CheckpointID, &c.OriginalSubtaskID, &c.CorrectionSubtaskID,
			&c.Cycle, &c.Instructions, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning correction: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
