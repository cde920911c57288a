package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/models"
)

// TemplateRepository persists workflow templates and their ordered steps.
type TemplateRepository struct {
	repoBase
}

// Create inserts a template with its steps; run inside a transaction so a
// bad step never leaves a headless template behind.
func (r *TemplateRepository) Create(ctx context.Context, tpl *models.WorkflowTemplate) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	err := r.q.QueryRow(ctx, `
		INSERT INTO workflow_templates (id, name, task_type, description)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at, version`,
		tpl.ID, tpl.Name, tpl.TaskType, tpl.Description,
	).Scan(&tpl.CreatedAt, &tpl.UpdatedAt, &tpl.Version)
	if err != nil {
		if isUniqueViolation(err) {
			e := apperrors.VersionConflict("workflow_template", tpl.Name, 0)
			return e.WithDetail("reason", "template name already exists")
		}
		return fmt.Errorf("inserting workflow template: %w", err)
	}

	for _, step := range tpl.Steps {
		dependsOn, err := marshalJSONB(step.DependsOn)
		if err != nil {
			return err
		}
		tools, err := marshalJSONB(step.RecommendedTools)
		if err != nil {
			return err
		}
		caps, err := marshalJSONB(step.RequiredCapabilities)
		if err != nil {
			return err
		}
		_, err = r.q.Exec(ctx, `
			INSERT INTO template_steps (id, template_id, position, name, subtask_type,
				depends_on, recommended_tools, required_capabilities)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			step.ID, tpl.ID, step.Position, step.Name, step.SubtaskType, dependsOn, tools, caps)
		if err != nil {
			return fmt.Errorf("inserting template step %q: %w", step.Name, err)
		}
	}
	return nil
}

// GetByName loads a template and its steps.
func (r *TemplateRepository) GetByName(ctx context.Context, name string) (*models.WorkflowTemplate, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var tpl models.WorkflowTemplate
	err := r.q.QueryRow(ctx, `
		SELECT id, name, task_type, description, usage_count, created_at, updated_at, version
		FROM workflow_templates WHERE name = $1`, name,
	).Scan(&tpl.ID, &tpl.Name, &tpl.TaskType, &tpl.Description, &tpl.UsageCount,
		&tpl.CreatedAt, &tpl.UpdatedAt, &tpl.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("workflow_template", name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow template: %w", err)
	}
	if err := r.loadSteps(ctx, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// BestForTaskType returns the most-used template registered for a task type;
// NotFound means the caller falls back to the built-in default.
func (r *TemplateRepository) BestForTaskType(ctx context.Context, taskType models.TaskType) (*models.WorkflowTemplate, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var tpl models.WorkflowTemplate
	err := r.q.QueryRow(ctx, `
		SELECT id, name, task_type, description, usage_count, created_at, updated_at, version
		FROM workflow_templates WHERE task_type = $1
		ORDER BY usage_count DESC, created_at ASC LIMIT 1`, taskType,
	).Scan(&tpl.ID, &tpl.Name, &tpl.TaskType, &tpl.Description, &tpl.UsageCount,
		&tpl.CreatedAt, &tpl.UpdatedAt, &tpl.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("workflow_template", string(taskType))
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow template: %w", err)
	}
	if err := r.loadSteps(ctx, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// List returns all templates with steps, most used first.
func (r *TemplateRepository) List(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `
		SELECT id, name, task_type, description, usage_count, created_at, updated_at, version
		FROM workflow_templates ORDER BY usage_count DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing workflow templates: %w", err)
	}
	defer rows.Close()

	var tpls []*models.WorkflowTemplate
	for rows.Next() {
		var tpl models.WorkflowTemplate
		if err := rows.Scan(&tpl.ID, &tpl.Name, &tpl.TaskType, &tpl.Description, &tpl.UsageCount,
			&tpl.CreatedAt, &tpl.UpdatedAt, &tpl.Version); err != nil {
			return nil, fmt.Errorf("scanning workflow template: %w", err)
		}
		tpls = append(tpls, &tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, tpl := range tpls {
		if err := r.loadSteps(ctx, tpl); err != nil {
			return nil, err
		}
	}
	return tpls, nil
}

// IncrementUsage bumps the apply counter after a successful decomposition.
func (r *TemplateRepository) IncrementUsage(ctx context.Context, id string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	_, err := r.q.Exec(ctx, `
		UPDATE workflow_templates SET usage_count = usage_count + 1,
			version = version + 1, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("incrementing template usage: %w", err)
	}
	return nil
}

func (r *TemplateRepository) loadSteps(ctx context.Context, tpl *models.WorkflowTemplate) error {
	rows, err := r.q.Query(ctx, `
		SELECT id, template_id, position, name, subtask_type, depends_on, recommended_tools, required_capabilities
		FROM template_steps WHERE template_id = $1 ORDER BY position ASC`, tpl.ID)
	if err != nil {
		return fmt.Errorf("loading template steps: %w", err)
	}
	defer rows.Close()

	tpl.Steps = nil
	for rows.Next() {
		var step models.TemplateStep
		var dependsOn, tools, caps []byte
		if err := rows.Scan(&step.ID, &step.TemplateID, &step.Position, &step.Name, &step.SubtaskType,
			&dependsOn, &tools, &caps); err != nil {
			return fmt.Errorf("scanning template step: %w", err)
		}
		if err := unmarshalJSONB(dependsOn, &step.DependsOn); err != nil {
			return err
		}
		if err := unmarshalJSONB(tools, &step.RecommendedTools); err != nil {
			return err
		}
		if err := unmarshalJSONB(caps, &step.RequiredCapabilities); err != nil {
			return err
		}
		tpl.Steps = append(tpl.Steps, step)
	}
	return rows.Err()
}
