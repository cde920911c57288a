// Package models defines the persisted entities of the orchestrator. Every
// mutable entity carries a version column for optimistic concurrency and an
// updated_at timestamp.
package models

import (
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDecomposed TaskStatus = "decomposed"
	TaskInProgress TaskStatus = "in_progress"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskType selects the decomposition template family.
type TaskType string

const (
	TaskDevelopFeature TaskType = "develop_feature"
	TaskBugFix         TaskType = "bug_fix"
	TaskRefactor       TaskType = "refactor"
	TaskCodeReview     TaskType = "code_review"
	TaskDocumentation  TaskType = "documentation"
	TaskTesting        TaskType = "testing"
)

// TaskPriority orders competing ready subtasks in the scheduler.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Task is a user-submitted unit of work that decomposes into subtasks.
type Task struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	TaskType    TaskType       `json:"task_type"`
	Status      TaskStatus     `json:"status"`
	Priority    TaskPriority   `json:"priority"`
	Progress    int            `json:"progress"`
	Sensitive   bool           `json:"sensitive"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Version     int            `json:"version"`
}

// IsTerminal reports whether no further state transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ValidTaskType reports whether t is a known template family.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskDevelopFeature, TaskBugFix, TaskRefactor, TaskCodeReview, TaskDocumentation, TaskTesting:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p TaskPriority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank orders priorities for scheduling; higher runs first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Progress returns floor(100 * completed / total); 0 when total is 0.
// It reaches 100 exactly when every subtask completed.
func Progress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return completed * 100 / total
}
