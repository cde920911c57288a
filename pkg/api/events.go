package api

import "time"

// EventType identifies a lifecycle event on the task fan-out bus.
type EventType string

const (
	EventTaskCreated       EventType = "task_created"
	EventTaskDecomposed    EventType = "task_decomposed"
	EventTaskProgress      EventType = "task_progress"
	EventTaskPaused        EventType = "task_paused"
	EventTaskResumed       EventType = "task_resumed"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventTaskCancelled     EventType = "task_cancelled"
	EventSubtaskStarted    EventType = "subtask_started"
	EventSubtaskCompleted  EventType = "subtask_completed"
	EventSubtaskFailed     EventType = "subtask_failed"
	EventSubtaskRequeued   EventType = "subtask_requeued"
	EventCheckpointCreated EventType = "checkpoint_created"
	EventCheckpointDecided EventType = "checkpoint_decided"
	EventWorkerRegistered  EventType = "worker_registered"
	EventWorkerOffline     EventType = "worker_offline"
	EventWorkerDraining    EventType = "worker_draining"
)

// Event is the envelope carried on pub/sub channels, client mailboxes and
// WebSocket streams. Timestamps are UTC; consumers deduplicate on
// (type, timestamp) since delivery is at-least-once.
type Event struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent stamps an envelope with the current UTC time.
func NewEvent(t EventType, data map[string]any) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
}
