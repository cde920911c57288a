package models

import "time"

// CheckpointTrigger names the rule that flagged a subtask for review.
type CheckpointTrigger string

const (
	TriggerError    CheckpointTrigger = "error"
	TriggerLowScore CheckpointTrigger = "low_score"
	TriggerCadence  CheckpointTrigger = "cadence"
	TriggerTimeout  CheckpointTrigger = "timeout"
	TriggerManual   CheckpointTrigger = "manual"
)

// CheckpointStatus is the review state of a checkpoint.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointApproved  CheckpointStatus = "approved"
	CheckpointCorrected CheckpointStatus = "corrected"
	CheckpointRejected  CheckpointStatus = "rejected"
)

// DecisionAction is the reviewer's resolution of a pending checkpoint.
type DecisionAction string

const (
	ActionApprove DecisionAction = "approve"
	ActionCorrect DecisionAction = "correct"
	ActionReject  DecisionAction = "reject"
)

// CheckpointSnapshot freezes the flagged subtask's output and the task's
// subtask states at creation time; rollback restores from it.
type CheckpointSnapshot struct {
	SubtaskOutput map[string]any           `json:"subtask_output,omitempty"`
	ErrorMessage  string                   `json:"error_message,omitempty"`
	OverallScore  *float64                 `json:"overall_score,omitempty"`
	SubtaskStates map[string]SubtaskStatus `json:"subtask_states"`
}

// CheckpointDecision records how and by whom a checkpoint was resolved.
type CheckpointDecision struct {
	Action    DecisionAction `json:"action"`
	DecidedBy string         `json:"decided_by,omitempty"`
	Feedback  string         `json:"feedback,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

// Checkpoint pauses a task pending human or policy review of one subtask.
type Checkpoint struct {
	ID        string              `json:"id"`
	TaskID    string              `json:"task_id"`
	SubtaskID string              `json:"subtask_id"`
	Trigger   CheckpointTrigger   `json:"trigger"`
	Status    CheckpointStatus    `json:"status"`
	Reason    string              `json:"reason"`
	Snapshot  CheckpointSnapshot  `json:"snapshot"`
	Decision  *CheckpointDecision `json:"decision,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Version   int                 `json:"version"`
}

// Correction links a checkpoint decision to the retry subtask it spawned.
// Cycle counts from 1; the engine caps it.
type Correction struct {
	ID                  string    `json:"id"`
	CheckpointID        string    `json:"checkpoint_id"`
	OriginalSubtaskID   string    `json:"original_subtask_id"`
	CorrectionSubtaskID string    `json:"correction_subtask_id"`
	Cycle               int       `json:"cycle"`
	Instructions        string    `json:"instructions,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// ValidDecisionAction reports whether a is a known action.
func ValidDecisionAction(a DecisionAction) bool {
	return a == ActionApprove || a == ActionCorrect || a == ActionReject
}
