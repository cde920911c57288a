package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/decomposer"
	"dev.helix.conductor/internal/models"
)

// templateStore persists workflow templates.
type templateStore interface {
	Create(ctx context.Context, tpl *models.WorkflowTemplate) error
	GetByName(ctx context.Context, name string) (*models.WorkflowTemplate, error)
	List(ctx context.Context) ([]*models.WorkflowTemplate, error)
}

// TemplateHandler serves the workflow template endpoints.
type TemplateHandler struct {
	templates templateStore
	log       *logrus.Entry
}

// NewTemplateHandler wires the template endpoints.
func NewTemplateHandler(templates templateStore, log *logrus.Logger) *TemplateHandler {
	return &TemplateHandler{
		templates: templates,
		log:       log.WithField("component", "handlers.template"),
	}
}

// List handles GET /templates.
func (h *TemplateHandler) List(c *gin.Context) {
	tpls, err := h.templates.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": tpls, "count": len(tpls)})
}

// Get handles GET /templates/:name.
func (h *TemplateHandler) Get(c *gin.Context) {
	tpl, err := h.templates.GetByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

// Create handles POST /templates. The step graph is validated the same way
// decomposition validates it, so a template that stores cleanly also
// expands cleanly.
func (h *TemplateHandler) Create(c *gin.Context) {
	var req struct {
		Name        string                `json:"name" binding:"required"`
		TaskType    string                `json:"task_type" binding:"required"`
		Description string                `json:"description,omitempty"`
		Steps       []models.TemplateStep `json:"steps" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if !models.ValidTaskType(models.TaskType(req.TaskType)) {
		fail(c, apperrors.Validation("unknown task type %q", req.TaskType))
		return
	}
	for _, step := range req.Steps {
		if step.Name == "" {
			fail(c, apperrors.Validation("step at position %d has no name", step.Position))
			return
		}
		if !models.ValidSubtaskType(step.SubtaskType) {
			fail(c, apperrors.Validation("step %q has unknown subtask type %q", step.Name, step.SubtaskType))
			return
		}
	}
	if err := decomposer.ValidateSteps(req.Steps); err != nil {
		fail(c, err)
		return
	}

	tpl := &models.WorkflowTemplate{
		ID:          uuid.NewString(),
		Name:        req.Name,
		TaskType:    models.TaskType(req.TaskType),
		Description: req.Description,
		Steps:       req.Steps,
	}
	for i := range tpl.Steps {
		tpl.Steps[i].ID = uuid.NewString()
		tpl.Steps[i].TemplateID = tpl.ID
	}
	if err := h.templates.Create(c.Request.Context(), tpl); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

// RegisterTemplateRoutes registers the workflow template routes.
func RegisterTemplateRoutes(r *gin.RouterGroup, h *TemplateHandler) {
	templates := r.Group("/templates")
	{
		templates.GET("", h.List)
		templates.POST("", h.Create)
		templates.GET("/:name", h.Get)
	}
}
