// Package decomposer expands tasks into subtask DAGs from workflow
// templates. Resolution order is DB template (most used for the task type),
// then template files, then built-in defaults. Expansion validates the graph
// and inserts transactionally; a task is decomposed at most once.
package decomposer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/cache"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// templates is the DB template lookup slice.
type templates interface {
	BestForTaskType(ctx context.Context, taskType models.TaskType) (*models.WorkflowTemplate, error)
}

// subtasks reads a task's existing expansion.
type subtasks interface {
	ListByTask(ctx context.Context, taskID string) ([]*models.Subtask, error)
}

// inserter is the transactional persistence entry point.
type inserter interface {
	InsertDecomposition(ctx context.Context, taskID string, subtasks []*models.Subtask, templateID string) error
}

// publisher fans lifecycle events out to task watchers.
type publisher interface {
	Publish(ctx context.Context, taskID string, ev api.Event)
}

// activities records audit rows.
type activities interface {
	Record(ctx context.Context, entry *models.ActivityLog) error
}

// mirrors writes read-path status mirrors.
type mirrors interface {
	SetStatusMirror(ctx context.Context, kind, id string, payload []byte, ttl time.Duration) error
}

// Service is the task decomposer.
type Service struct {
	templates templates
	subtasks  subtasks
	store     inserter
	files     *FileStore
	events    publisher
	activity  activities
	cache     mirrors
	log       *logrus.Logger
}

// New wires a decomposer. files, events, activity and cache may be nil.
func New(tpls templates, sts subtasks, store inserter, files *FileStore, ev publisher, act activities, c mirrors, log *logrus.Logger) *Service {
	return &Service{
		templates: tpls,
		subtasks:  sts,
		store:     store,
		files:     files,
		events:    ev,
		activity:  act,
		cache:     c,
		log:       log,
	}
}

// Decompose expands the task into subtasks. A task that already holds
// subtasks returns them unchanged; losing a concurrent expansion race is
// resolved the same way.
func (s *Service) Decompose(ctx context.Context, task *models.Task) ([]*models.Subtask, error) {
	ctx, span := otel.Tracer("conductor/decomposer").Start(ctx, "decomposer.decompose")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", task.ID))

	existing, err := s.subtasks.ListByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	tpl, fromDB := s.resolve(ctx, task.TaskType)
	expanded, err := Expand(task, tpl)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("template.name", tpl.Name),
		attribute.Int("subtask.count", len(expanded)),
	)

	templateID := ""
	if fromDB {
		templateID = tpl.ID
	}
	if err := s.store.InsertDecomposition(ctx, task.ID, expanded, templateID); err != nil {
		if apperrors.IsCode(err, apperrors.CodeVersionConflict) {
			// Lost the race against another replica; its rows are canonical.
			return s.subtasks.ListByTask(ctx, task.ID)
		}
		return nil, err
	}

	s.mirrorTask(ctx, task, models.TaskDecomposed)
	if s.events != nil {
		s.events.Publish(ctx, task.ID, api.NewEvent(api.EventTaskDecomposed, map[string]any{
			"task_id":  task.ID,
			"subtasks": len(expanded),
			"template": tpl.Name,
		}))
	}
	s.record(ctx, task.ID, "task.decomposed", map[string]any{
		"template": tpl.Name,
		"subtasks": len(expanded),
	})
	s.log.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"template": tpl.Name,
		"subtasks": len(expanded),
	}).Info("task decomposed")
	return expanded, nil
}

// Ready returns the subtasks of a task whose dependencies are all completed.
// One load, readiness computed in memory.
func (s *Service) Ready(ctx context.Context, taskID string) ([]*models.Subtask, error) {
	all, err := s.subtasks.ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return models.ReadySet(all), nil
}

// resolve picks the template: DB first, then files, then built-in. The bool
// reports whether a DB template (with a usage counter) was chosen.
func (s *Service) resolve(ctx context.Context, taskType models.TaskType) (*models.WorkflowTemplate, bool) {
	tpl, err := s.templates.BestForTaskType(ctx, taskType)
	if err == nil {
		return tpl, true
	}
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		s.log.WithError(err).WithField("task_type", taskType).Warn("template lookup degraded, falling back")
	}
	if s.files != nil {
		if tpl, ok := s.files.BestForTaskType(taskType); ok {
			return tpl, false
		}
	}
	return Builtin(taskType), false
}

func (s *Service) mirrorTask(ctx context.Context, task *models.Task, status models.TaskStatus) {
	if s.cache == nil {
		return
	}
	snapshot := *task
	snapshot.Status = status
	payload, err := json.Marshal(&snapshot)
	if err != nil {
		return
	}
	if err := s.cache.SetStatusMirror(ctx, "task", task.ID, payload, cache.DefaultMirrorTTL); err != nil {
		s.log.WithError(err).WithField("task_id", task.ID).Warn("task mirror update failed")
	}
}

func (s *Service) record(ctx context.Context, taskID, action string, detail map[string]any) {
	if s.activity == nil {
		return
	}
	entry := &models.ActivityLog{EntityType: "task", EntityID: taskID, Action: action, Detail: detail}
	if err := s.activity.Record(ctx, entry); err != nil {
		s.log.WithError(err).WithField("task_id", taskID).Debug("activity write failed")
	}
}

// Expand instantiates template steps as pending subtasks for the task,
// resolving position dependencies into the freshly assigned subtask ids.
// The graph is validated before any id is handed out.
func Expand(task *models.Task, tpl *models.WorkflowTemplate) ([]*models.Subtask, error) {
	if err := ValidateSteps(tpl.Steps); err != nil {
		return nil, err
	}

	idByPosition := make(map[int]string, len(tpl.Steps))
	for _, step := range tpl.Steps {
		idByPosition[step.Position] = uuid.New().String()
	}

	out := make([]*models.Subtask, 0, len(tpl.Steps))
	for _, step := range tpl.Steps {
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			deps = append(deps, idByPosition[dep])
		}
		out = append(out, &models.Subtask{
			ID:                   idByPosition[step.Position],
			TaskID:               task.ID,
			Name:                 step.Name,
			Description:          fmt.Sprintf("%s for task %q", step.Name, task.Title),
			SubtaskType:          step.SubtaskType,
			Status:               models.SubtaskPending,
			DependsOn:            deps,
			RecommendedTools:     step.RecommendedTools,
			RequiredCapabilities: step.RequiredCapabilities,
		})
	}
	return out, nil
}

// ValidateSteps rejects empty plans, dangling position references and cyclic
// graphs.
func ValidateSteps(steps []models.TemplateStep) error {
	if len(steps) == 0 {
		return apperrors.Validation("template has no steps")
	}

	positions := make(map[int]bool, len(steps))
	for _, step := range steps {
		if positions[step.Position] {
			return apperrors.Validation("duplicate step position %d", step.Position)
		}
		positions[step.Position] = true
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if !positions[dep] {
				return apperrors.Validation("step %q depends on undefined step %d", step.Name, dep)
			}
		}
	}
	return checkAcyclic(steps)
}

// checkAcyclic runs Kahn's algorithm over the position graph; any node left
// with a positive in-degree sits on a cycle.
func checkAcyclic(steps []models.TemplateStep) error {
	indegree := make(map[int]int, len(steps))
	dependents := make(map[int][]int, len(steps))
	for _, step := range steps {
		indegree[step.Position] += 0
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.Position)
			indegree[step.Position]++
		}
	}

	queue := make([]int, 0, len(steps))
	for pos, d := range indegree {
		if d == 0 {
			queue = append(queue, pos)
		}
	}
	visited := 0
	for len(queue) > 0 {
		pos := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[pos] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(steps) {
		return nil
	}

	var stuck []string
	for _, step := range steps {
		if indegree[step.Position] > 0 {
			stuck = append(stuck, step.Name)
		}
	}
	sort.Strings(stuck)
	return apperrors.DependencyCycle(strings.Join(stuck, ", "))
}
