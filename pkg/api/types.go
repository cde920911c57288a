// Package api holds the wire types shared between the conductor server and
// worker agents: request/response bodies, heartbeat payloads and the event
// envelope streamed over WebSockets.
package api

// ToolSpec describes one AI tool installed on a worker.
type ToolSpec struct {
	Name         string   `json:"name" binding:"required"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// SystemInfo is the resource snapshot a worker reports with each heartbeat.
// Percentages are 0..100.
type SystemInfo struct {
	OS            string  `json:"os,omitempty"`
	Arch          string  `json:"arch,omitempty"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// RegisterWorkerRequest registers (or revives) a worker. MachineID is the
// stable identity; re-registering the same machine keeps the same worker id.
type RegisterWorkerRequest struct {
	MachineID  string     `json:"machine_id" binding:"required"`
	Hostname   string     `json:"hostname" binding:"required"`
	Tools      []ToolSpec `json:"tools" binding:"required"`
	OnPrem     bool       `json:"on_prem"`
	Tags       []string   `json:"tags,omitempty"`
	SystemInfo SystemInfo `json:"system_info"`
}

// RegisterWorkerResponse returns the assigned worker id and the heartbeat
// cadence the server expects.
type RegisterWorkerResponse struct {
	WorkerID          string `json:"worker_id"`
	HeartbeatInterval string `json:"heartbeat_interval"`
}

// HeartbeatRequest is sent periodically over REST or the worker WebSocket.
type HeartbeatRequest struct {
	SystemInfo       SystemInfo `json:"system_info"`
	ActiveSubtaskIDs []string   `json:"active_subtask_ids,omitempty"`
}

// Assignment describes one subtask currently bound to the worker.
type Assignment struct {
	SubtaskID string `json:"subtask_id"`
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Tool      string `json:"tool,omitempty"`
}

// Directives is the server's answer to a heartbeat: the work currently bound
// to the worker, work it should stop, and whether it is draining.
type Directives struct {
	Assignments      []Assignment `json:"assignments,omitempty"`
	CancelSubtaskIDs []string     `json:"cancel_subtask_ids,omitempty"`
	Draining         bool         `json:"draining,omitempty"`
}

// CreateTaskRequest submits a natural-language task for orchestration.
type CreateTaskRequest struct {
	Title       string         `json:"title" binding:"required"`
	Description string         `json:"description" binding:"required"`
	TaskType    string         `json:"task_type" binding:"required"`
	Priority    string         `json:"priority,omitempty"`
	Sensitive   bool           `json:"sensitive"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// EvaluationScores carries per-dimension quality scores (0..10); nil
// dimensions were not assessed.
type EvaluationScores struct {
	CodeQuality  *float64 `json:"code_quality,omitempty"`
	Completeness *float64 `json:"completeness,omitempty"`
	Security     *float64 `json:"security,omitempty"`
	Architecture *float64 `json:"architecture,omitempty"`
	Testability  *float64 `json:"testability,omitempty"`
	Feedback     string   `json:"feedback,omitempty"`
}

// HasScores reports whether at least one dimension was assessed.
func (s EvaluationScores) HasScores() bool {
	return s.CodeQuality != nil || s.Completeness != nil || s.Security != nil ||
		s.Architecture != nil || s.Testability != nil
}

// SubtaskResultRequest is how a worker reports the outcome of an assignment.
type SubtaskResultRequest struct {
	Status       string            `json:"status" binding:"required"`
	Output       map[string]any    `json:"output,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Evaluation   *EvaluationScores `json:"evaluation,omitempty"`
}

// DecisionRequest resolves a pending checkpoint.
type DecisionRequest struct {
	Action    string `json:"action" binding:"required"`
	Feedback  string `json:"feedback,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// ErrorBody is the single error envelope every endpoint returns.
type ErrorBody struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Retryable  bool           `json:"retryable"`
	RetryAfter string         `json:"retry_after,omitempty"`
}

// ErrorEnvelope wraps ErrorBody under the "error" key.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}
