package models

import (
	"time"

	"dev.helix.conductor/pkg/api"
)

// WorkerStatus is the registry state of a worker agent.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerOffline  WorkerStatus = "offline"
	WorkerDraining WorkerStatus = "draining"
)

// Worker is a registered remote agent. MachineID is the stable identity
// across restarts; registration is idempotent on it.
type Worker struct {
	ID              string         `json:"id"`
	MachineID       string         `json:"machine_id"`
	Hostname        string         `json:"hostname"`
	Status          WorkerStatus   `json:"status"`
	Tools           []api.ToolSpec `json:"tools"`
	SystemInfo      api.SystemInfo `json:"system_info"`
	OnPrem          bool           `json:"on_prem"`
	Tags            []string       `json:"tags,omitempty"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at,omitempty"`
	RegisteredAt    time.Time      `json:"registered_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Version         int            `json:"version"`
}

// HeartbeatFresh reports whether the last heartbeat arrived within timeout.
func (w *Worker) HeartbeatFresh(now time.Time, timeout time.Duration) bool {
	return w.LastHeartbeatAt != nil && now.Sub(*w.LastHeartbeatAt) < timeout
}

// Candidate reports whether the worker may receive new assignments at all;
// load and resource checks happen in the allocator.
func (w *Worker) Candidate() bool {
	return w.Status == WorkerIdle || w.Status == WorkerBusy
}

// HasTool reports whether the worker carries the named tool.
func (w *Worker) HasTool(name string) bool {
	for _, t := range w.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Capabilities returns the union of all tool capabilities.
func (w *Worker) Capabilities() map[string]bool {
	caps := make(map[string]bool)
	for _, t := range w.Tools {
		for _, c := range t.Capabilities {
			caps[c] = true
		}
	}
	return caps
}
