package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"dev.helix.conductor/internal/models"
)

// ActivityRepository appends to the audit log. Inserts are best-effort from
// the services' point of view; a failed audit row never fails the operation
// that produced it.
type ActivityRepository struct {
	repoBase
}

// Record inserts one activity row.
func (r *ActivityRepository) Record(ctx context.Context, entry *models.ActivityLog) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	detail, err := marshalJSONB(entry.Detail)
	if err != nil {
		return err
	}
	err = r.q.QueryRow(ctx, `
		INSERT INTO activity_logs (id, entity_type, entity_id, action, actor, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Actor, detail,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting activity log: %w", err)
	}
	return nil
}

// ListByEntity returns the newest activity for one entity.
func (r *ActivityRepository) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*models.ActivityLog, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.q.Query(ctx, `
		SELECT id, entity_type, entity_id, action, actor, detail, created_at
		FROM activity_logs WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC LIMIT $3`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var out []*models.ActivityLog
	for rows.Next() {
		var entry models.ActivityLog
		var detail []byte
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Action,
			&entry.Actor, &detail, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		if err := unmarshalJSONB(detail, &entry.Detail); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}
