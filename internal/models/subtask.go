package models

import "time"

// SubtaskStatus is the lifecycle state of a subtask.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskQueued     SubtaskStatus = "queued"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
	SubtaskCancelled  SubtaskStatus = "cancelled"
	SubtaskSkipped    SubtaskStatus = "skipped"
)

// SubtaskType tags the kind of work a step performs; allocation matches it
// against worker tool capabilities.
type SubtaskType string

const (
	SubtaskAnalysis       SubtaskType = "analysis"
	SubtaskCodeGeneration SubtaskType = "code_generation"
	SubtaskCodeReview     SubtaskType = "code_review"
	SubtaskCodeFix        SubtaskType = "code_fix"
	SubtaskTest           SubtaskType = "test"
	SubtaskDocumentation  SubtaskType = "documentation"
)

// ValidSubtaskType reports whether t is a known subtask type.
func ValidSubtaskType(t SubtaskType) bool {
	switch t {
	case SubtaskAnalysis, SubtaskCodeGeneration, SubtaskCodeReview, SubtaskCodeFix, SubtaskTest, SubtaskDocumentation:
		return true
	}
	return false
}

// Subtask is one node of a task's dependency DAG.
type Subtask struct {
	ID                   string         `json:"id"`
	TaskID               string         `json:"task_id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	SubtaskType          SubtaskType    `json:"subtask_type"`
	Status               SubtaskStatus  `json:"status"`
	DependsOn            []string       `json:"depends_on,omitempty"`
	RecommendedTools     []string       `json:"recommended_tools,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	AssignedWorkerID     *string        `json:"assigned_worker_id,omitempty"`
	AssignedTool         string         `json:"assigned_tool,omitempty"`
	Output               map[string]any `json:"output,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	Attempts             int            `json:"attempts"`
	CorrectionOf         *string        `json:"correction_of,omitempty"`
	QueuedAt             *time.Time     `json:"queued_at,omitempty"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	Version              int            `json:"version"`
}

// IsTerminal reports whether the subtask reached a final state.
func (s SubtaskStatus) IsTerminal() bool {
	switch s {
	case SubtaskCompleted, SubtaskFailed, SubtaskCancelled, SubtaskSkipped:
		return true
	}
	return false
}

// Assignable reports whether the allocator may bind this status.
func (s SubtaskStatus) Assignable() bool {
	return s == SubtaskPending || s == SubtaskQueued
}

// IsCorrection reports whether the subtask was spawned by a checkpoint
// correction decision.
func (st *Subtask) IsCorrection() bool {
	return st.CorrectionOf != nil && *st.CorrectionOf != ""
}

// ReadySet returns the subtasks whose dependencies are all completed and
// that are still pending. The whole task's subtasks are passed in so
// readiness is two queries for the caller, never N.
func ReadySet(subtasks []*Subtask) []*Subtask {
	done := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		if st.Status == SubtaskCompleted {
			done[st.ID] = true
		}
	}
	var ready []*Subtask
	for _, st := range subtasks {
		if st.Status != SubtaskPending {
			continue
		}
		ok := true
		for _, dep := range st.DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, st)
		}
	}
	return ready
}
