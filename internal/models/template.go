package models

import "time"

// WorkflowTemplate is a reusable decomposition plan for one task type.
// Higher usage_count templates are reported first when listing.
type WorkflowTemplate struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	TaskType    TaskType       `json:"task_type"`
	Description string         `json:"description,omitempty"`
	Steps       []TemplateStep `json:"steps"`
	UsageCount  int            `json:"usage_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Version     int            `json:"version"`
}

// TemplateStep is one planned subtask. DependsOn refers to step positions
// (0-based) within the same template, resolved to subtask ids at expansion.
type TemplateStep struct {
	ID                   string      `json:"id,omitempty"`
	TemplateID           string      `json:"template_id,omitempty"`
	Position             int         `json:"position"`
	Name                 string      `json:"name"`
	SubtaskType          SubtaskType `json:"subtask_type"`
	DependsOn            []int       `json:"depends_on,omitempty"`
	RecommendedTools     []string    `json:"recommended_tools,omitempty"`
	RequiredCapabilities []string    `json:"required_capabilities,omitempty"`
}

// ActivityLog is an append-only audit record.
type ActivityLog struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
