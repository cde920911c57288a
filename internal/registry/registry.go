// Package registry manages the worker fleet: idempotent registration keyed
// on machine id, heartbeat ingest with directives, and drain control. The
// health checker in internal/health consumes the same tables to detect dead
// workers.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/cache"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// workers is the slice of the worker repository the registry uses.
type workers interface {
	Upsert(ctx context.Context, w *models.Worker) (created bool, err error)
	Get(ctx context.Context, id string) (*models.Worker, error)
	Heartbeat(ctx context.Context, id string, info api.SystemInfo) error
	SetStatus(ctx context.Context, id string, status models.WorkerStatus) error
	List(ctx context.Context, status models.WorkerStatus) ([]*models.Worker, error)
	CountByStatus(ctx context.Context) (map[models.WorkerStatus]int, error)
}

// assignments resolves which subtasks a worker currently owns.
type assignments interface {
	LoadByWorker(ctx context.Context, workerID string) ([]*models.Subtask, error)
}

// activities records audit rows; failures never fail the operation.
type activities interface {
	Record(ctx context.Context, entry *models.ActivityLog) error
}

// mirrors is the cache slice for liveness and status read fallbacks.
type mirrors interface {
	TouchHeartbeat(ctx context.Context, workerID string, ttl time.Duration) error
	SetStatusMirror(ctx context.Context, kind, id string, payload []byte, ttl time.Duration) error
}

// publisher fans lifecycle events out to task watchers.
type publisher interface {
	Publish(ctx context.Context, taskID string, ev api.Event)
}

// Config tunes heartbeat cadence; the liveness mirror TTL is twice the
// interval.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Service is the worker registry.
type Service struct {
	workers  workers
	subtasks assignments
	activity activities
	cache    mirrors
	events   publisher
	cfg      Config
	log      *logrus.Logger
}

// New wires the registry over its store and cache slices.
func New(w workers, st assignments, act activities, c mirrors, ev publisher, cfg Config, log *logrus.Logger) *Service {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 4 * cfg.HeartbeatInterval
	}
	return &Service{workers: w, subtasks: st, activity: act, cache: c, events: ev, cfg: cfg, log: log}
}

// HeartbeatInterval is echoed to agents in the register response.
func (s *Service) HeartbeatInterval() time.Duration { return s.cfg.HeartbeatInterval }

// Register creates or revives a worker row keyed on machine id. Re-register
// of a known machine keeps the worker id and replaces tools and tags; a
// draining worker stays draining.
func (s *Service) Register(ctx context.Context, req *api.RegisterWorkerRequest) (*models.Worker, bool, error) {
	now := time.Now().UTC()
	w := &models.Worker{
		ID:              uuid.New().String(),
		MachineID:       req.MachineID,
		Hostname:        req.Hostname,
		Status:          models.WorkerIdle,
		Tools:           req.Tools,
		SystemInfo:      req.SystemInfo,
		OnPrem:          req.OnPrem,
		Tags:            req.Tags,
		LastHeartbeatAt: &now,
	}
	created, err := s.workers.Upsert(ctx, w)
	if err != nil {
		return nil, false, err
	}

	s.touchLiveness(ctx, w.ID)
	s.mirrorWorker(ctx, w)
	s.record(ctx, w.ID, "worker.registered", map[string]any{
		"machine_id": w.MachineID,
		"hostname":   w.Hostname,
		"created":    created,
		"tools":      len(w.Tools),
	})

	s.log.WithFields(logrus.Fields{
		"worker_id":  w.ID,
		"machine_id": w.MachineID,
		"hostname":   w.Hostname,
		"created":    created,
	}).Info("worker registered")
	return w, created, nil
}

// Heartbeat ingests a liveness report and answers with directives: the
// subtasks currently bound to the worker, ids it should stop (reported
// active but no longer owned in the store) and whether it is draining.
// Unknown workers get a not-found so the agent re-registers.
func (s *Service) Heartbeat(ctx context.Context, workerID string, req *api.HeartbeatRequest) (*api.Directives, error) {
	if err := s.workers.Heartbeat(ctx, workerID, req.SystemInfo); err != nil {
		return nil, err
	}
	s.touchLiveness(ctx, workerID)

	w, err := s.workers.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	s.mirrorWorker(ctx, w)

	owned, err := s.subtasks.LoadByWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	directives := &api.Directives{Draining: w.Status == models.WorkerDraining}
	ownedSet := make(map[string]struct{}, len(owned))
	for _, st := range owned {
		ownedSet[st.ID] = struct{}{}
		directives.Assignments = append(directives.Assignments, api.Assignment{
			SubtaskID: st.ID,
			TaskID:    st.TaskID,
			Name:      st.Name,
			Type:      string(st.SubtaskType),
			Tool:      st.AssignedTool,
		})
	}
	for _, id := range req.ActiveSubtaskIDs {
		if _, ok := ownedSet[id]; !ok {
			directives.CancelSubtaskIDs = append(directives.CancelSubtaskIDs, id)
		}
	}
	return directives, nil
}

// Drain stops new assignments to the worker; running subtasks finish
// normally. Draining again is a no-op, draining an offline worker is an
// invalid state.
func (s *Service) Drain(ctx context.Context, workerID string) (*models.Worker, error) {
	w, err := s.workers.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case models.WorkerDraining:
		return w, nil
	case models.WorkerOffline:
		return nil, apperrors.InvalidState("worker", workerID, string(w.Status))
	}

	if err := s.workers.SetStatus(ctx, workerID, models.WorkerDraining); err != nil {
		return nil, err
	}
	w.Status = models.WorkerDraining
	s.mirrorWorker(ctx, w)
	s.record(ctx, workerID, "worker.draining", nil)

	// Watchers of the tasks this worker is executing learn their executor
	// is on the way out.
	if s.events != nil {
		owned, err := s.subtasks.LoadByWorker(ctx, workerID)
		if err != nil {
			s.log.WithError(err).WithField("worker_id", workerID).Warn("drain notification skipped")
			return w, nil
		}
		notified := make(map[string]struct{}, len(owned))
		for _, st := range owned {
			if _, done := notified[st.TaskID]; done {
				continue
			}
			notified[st.TaskID] = struct{}{}
			s.events.Publish(ctx, st.TaskID, api.NewEvent(api.EventWorkerDraining, map[string]any{
				"worker_id":  workerID,
				"subtask_id": st.ID,
			}))
		}
	}

	s.log.WithField("worker_id", workerID).Info("worker draining")
	return w, nil
}

// Get returns one worker.
func (s *Service) Get(ctx context.Context, workerID string) (*models.Worker, error) {
	return s.workers.Get(ctx, workerID)
}

// List returns workers, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.WorkerStatus) ([]*models.Worker, error) {
	return s.workers.List(ctx, status)
}

// Counts aggregates fleet status for the ops endpoints.
func (s *Service) Counts(ctx context.Context) (map[models.WorkerStatus]int, error) {
	return s.workers.CountByStatus(ctx)
}

func (s *Service) touchLiveness(ctx context.Context, workerID string) {
	if err := s.cache.TouchHeartbeat(ctx, workerID, 2*s.cfg.HeartbeatInterval); err != nil {
		s.log.WithError(err).WithField("worker_id", workerID).Warn("heartbeat mirror update failed")
	}
}

func (s *Service) mirrorWorker(ctx context.Context, w *models.Worker) {
	payload, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := s.cache.SetStatusMirror(ctx, "worker", w.ID, payload, cache.DefaultMirrorTTL); err != nil {
		s.log.WithError(err).WithField("worker_id", w.ID).Warn("worker mirror update failed")
	}
}

func (s *Service) record(ctx context.Context, workerID, action string, detail map[string]any) {
	if s.activity == nil {
		return
	}
	entry := &models.ActivityLog{
		EntityType: "worker",
		EntityID:   workerID,
		Action:     action,
		Detail:     detail,
	}
	if err := s.activity.Record(ctx, entry); err != nil {
		s.log.WithError(err).WithField("worker_id", workerID).Debug("activity write failed")
	}
}
