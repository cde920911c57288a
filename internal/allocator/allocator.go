// Package allocator matches assignable subtasks to workers. Selection scores
// tool fit, resource headroom and data placement; binding is one transaction
// that re-checks every invariant under row locks. Subtasks with no qualified
// worker land on the dispatch queue.
package allocator

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"dev.helix.conductor/internal/cache"
	"dev.helix.conductor/internal/database"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// workers lists allocation candidates.
type workers interface {
	ListCandidates(ctx context.Context, heartbeatAfter time.Time) ([]*models.Worker, error)
}

// subtasks covers queueing and load lookups.
type subtasks interface {
	MarkQueued(ctx context.Context, id string) error
	CountInProgressGrouped(ctx context.Context) (map[string]int, error)
}

// binder is the transactional allocation entry point on the store.
type binder interface {
	AllocateSubtask(ctx context.Context, subtaskID, workerID, tool string, perWorkerCap, globalCap int) error
	ReleaseSubtask(ctx context.Context, subtaskID string, final models.SubtaskStatus, output map[string]any, errMsg string) (*database.ReleaseOutcome, error)
}

// dispatch is the cache slice: queue scripts and status mirrors.
type dispatch interface {
	Enqueue(ctx context.Context, subtaskID string) error
	Bind(ctx context.Context, subtaskID string) error
	Unbind(ctx context.Context, subtaskID string) error
	SetStatusMirror(ctx context.Context, kind, id string, payload []byte, ttl time.Duration) error
}

// publisher fans lifecycle events out to task watchers.
type publisher interface {
	Publish(ctx context.Context, taskID string, ev api.Event)
}

// activities records audit rows.
type activities interface {
	Record(ctx context.Context, entry *models.ActivityLog) error
}

// Config tunes selection.
type Config struct {
	PerWorkerCap       int
	GlobalCap          int
	HeartbeatTimeout   time.Duration
	ExplorationEpsilon float64
	CPUDisqualifyPct   float64
	MemDisqualifyPct   float64
	DiskDisqualifyPct  float64
}

// DefaultConfig matches the stock deployment.
func DefaultConfig() Config {
	return Config{
		PerWorkerCap:       1,
		GlobalCap:          20,
		HeartbeatTimeout:   120 * time.Second,
		ExplorationEpsilon: 0.1,
		CPUDisqualifyPct:   80,
		MemDisqualifyPct:   85,
		DiskDisqualifyPct:  90,
	}
}

// Outcome reports where a subtask ended up.
type Outcome struct {
	Allocated bool
	Queued    bool
	WorkerID  string
	Tool      string
}

// Service is the allocator.
type Service struct {
	workers  workers
	subtasks subtasks
	store    binder
	cache    dispatch
	events   publisher
	activity activities
	cfg      Config
	log      *logrus.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	onFree []func() // notified when a worker slot frees up
}

// New wires an allocator.
func New(w workers, sts subtasks, store binder, c dispatch, ev publisher, act activities, cfg Config, log *logrus.Logger) *Service {
	if cfg.PerWorkerCap <= 0 {
		cfg.PerWorkerCap = 1
	}
	return &Service{
		workers:  w,
		subtasks: sts,
		store:    store,
		cache:    c,
		events:   ev,
		activity: act,
		cfg:      cfg,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnSlotFree registers a hook fired after a release frees worker capacity;
// the scheduler wakes on it.
func (s *Service) OnSlotFree(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFree = append(s.onFree, fn)
}

// Allocate binds the subtask to the best qualified worker or enqueues it.
// The task provides priority and sensitivity context.
func (s *Service) Allocate(ctx context.Context, task *models.Task, st *models.Subtask) (*Outcome, error) {
	ctx, span := otel.Tracer("conductor/allocator").Start(ctx, "allocator.allocate")
	defer span.End()
	span.SetAttributes(attribute.String("subtask.id", st.ID))

	chosen, err := s.selectWorker(ctx, task, st)
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		span.SetAttributes(attribute.String("allocation.outcome", "queued"))
		return s.enqueue(ctx, st)
	}
	span.SetAttributes(
		attribute.String("worker.id", chosen.worker.ID),
		attribute.Float64("allocation.score", chosen.score),
	)

	err = s.store.AllocateSubtask(ctx, st.ID, chosen.worker.ID, chosen.tool, s.cfg.PerWorkerCap, s.cfg.GlobalCap)
	if err != nil {
		// Lost the bind race or capacity moved; park the subtask for the
		// next cycle rather than retrying the ranking.
		s.log.WithError(err).WithFields(logrus.Fields{
			"subtask_id": st.ID,
			"worker_id":  chosen.worker.ID,
		}).Info("bind failed, queueing subtask")
		span.SetAttributes(attribute.String("allocation.outcome", "queued"))
		return s.enqueue(ctx, st)
	}
	span.SetAttributes(attribute.String("allocation.outcome", "allocated"))

	if err := s.cache.Bind(ctx, st.ID); err != nil {
		s.log.WithError(err).WithField("subtask_id", st.ID).Warn("cache bind degraded")
	}
	s.mirrorSubtask(ctx, st.ID, st.TaskID, models.SubtaskInProgress, chosen.worker.ID)
	if s.events != nil {
		s.events.Publish(ctx, st.TaskID, api.NewEvent(api.EventSubtaskStarted, map[string]any{
			"subtask_id": st.ID,
			"worker_id":  chosen.worker.ID,
			"tool":       chosen.tool,
		}))
	}
	s.record(ctx, st.ID, "task_allocated", map[string]any{
		"worker_id": chosen.worker.ID,
		"tool":      chosen.tool,
		"score":     chosen.score,
	})
	s.log.WithFields(logrus.Fields{
		"subtask_id": st.ID,
		"task_id":    st.TaskID,
		"worker_id":  chosen.worker.ID,
		"tool":       chosen.tool,
		"score":      chosen.score,
	}).Info("subtask allocated")

	return &Outcome{Allocated: true, WorkerID: chosen.worker.ID, Tool: chosen.tool}, nil
}

// Release finalizes an in-progress subtask, frees its worker slot, and
// notifies the hooks. final must be completed or failed.
func (s *Service) Release(ctx context.Context, subtaskID string, final models.SubtaskStatus, output map[string]any, errMsg string) (*database.ReleaseOutcome, error) {
	out, err := s.store.ReleaseSubtask(ctx, subtaskID, final, output, errMsg)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Unbind(ctx, subtaskID); err != nil {
		s.log.WithError(err).WithField("subtask_id", subtaskID).Warn("cache unbind degraded")
	}
	st := out.Subtask
	s.mirrorSubtask(ctx, st.ID, st.TaskID, final, out.WorkerID)

	eventType := api.EventSubtaskCompleted
	if final == models.SubtaskFailed {
		eventType = api.EventSubtaskFailed
	}
	if s.events != nil {
		data := map[string]any{"subtask_id": st.ID, "worker_id": out.WorkerID}
		if errMsg != "" {
			data["error"] = errMsg
		}
		s.events.Publish(ctx, st.TaskID, api.NewEvent(eventType, data))
	}
	s.record(ctx, st.ID, "subtask_"+string(final), map[string]any{"worker_id": out.WorkerID})

	if out.WorkerIdle {
		s.mu.Lock()
		freeHooks := s.onFree
		s.mu.Unlock()
		for _, fn := range freeHooks {
			fn()
		}
	}
	return out, nil
}

// selectWorker ranks candidates and returns the pick, or nil when no worker
// qualifies.
func (s *Service) selectWorker(ctx context.Context, task *models.Task, st *models.Subtask) (*candidate, error) {
	fresh := time.Now().UTC().Add(-s.cfg.HeartbeatTimeout)
	pool, err := s.workers.ListCandidates(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, nil
	}
	loads, err := s.subtasks.CountInProgressGrouped(ctx)
	if err != nil {
		return nil, err
	}

	var qualified []candidate
	for _, w := range pool {
		if loads[w.ID] >= s.cfg.PerWorkerCap {
			continue
		}
		if Disqualified(w.SystemInfo, s.cfg.CPUDisqualifyPct, s.cfg.MemDisqualifyPct, s.cfg.DiskDisqualifyPct) {
			continue
		}
		tool, toolScore := MatchTool(w, st)
		if tool == "" {
			continue
		}
		score := weightTool*toolScore +
			weightResource*ResourceFit(w.SystemInfo) +
			weightPrivacy*PrivacyMatch(task.Sensitive, w.OnPrem)
		qualified = append(qualified, candidate{worker: w, tool: tool, score: score, load: loads[w.ID]})
	}
	if len(qualified) == 0 {
		return nil, nil
	}

	best := 0
	for i := 1; i < len(qualified); i++ {
		if qualified[i].betterThan(qualified[best]) {
			best = i
		}
	}

	// Exploration: occasionally pick a qualified non-best candidate so
	// scoring data keeps covering the whole fleet.
	if len(qualified) > 1 && s.explore() {
		pick := s.pickOther(len(qualified), best)
		return &qualified[pick], nil
	}
	return &qualified[best], nil
}

func (s *Service) explore() bool {
	if s.cfg.ExplorationEpsilon <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.cfg.ExplorationEpsilon
}

func (s *Service) pickOther(n, best int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pick := s.rng.Intn(n - 1)
	if pick >= best {
		pick++
	}
	return pick
}

// enqueue parks the subtask on the dispatch queue for the next cycle.
func (s *Service) enqueue(ctx context.Context, st *models.Subtask) (*Outcome, error) {
	if err := s.subtasks.MarkQueued(ctx, st.ID); err != nil {
		return nil, err
	}
	if err := s.cache.Enqueue(ctx, st.ID); err != nil {
		// DB status queued is authoritative; the scheduler's reconcile pass
		// restores the cache entry.
		s.log.WithError(err).WithField("subtask_id", st.ID).Warn("queue push degraded")
	}
	s.mirrorSubtask(ctx, st.ID, st.TaskID, models.SubtaskQueued, "")
	s.log.WithFields(logrus.Fields{
		"subtask_id": st.ID,
		"task_id":    st.TaskID,
	}).Info("subtask queued")
	return &Outcome{Queued: true}, nil
}

func (s *Service) mirrorSubtask(ctx context.Context, id, taskID string, status models.SubtaskStatus, workerID string) {
	doc := map[string]any{
		"id":      id,
		"task_id": taskID,
		"status":  status,
	}
	if workerID != "" {
		doc["assigned_worker_id"] = workerID
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := s.cache.SetStatusMirror(ctx, "subtask", id, payload, cache.DefaultMirrorTTL); err != nil {
		s.log.WithError(err).WithField("subtask_id", id).Warn("subtask mirror update failed")
	}
}

func (s *Service) record(ctx context.Context, subtaskID, action string, detail map[string]any) {
	if s.activity == nil {
		return
	}
	entry := &models.ActivityLog{EntityType: "subtask", EntityID: subtaskID, Action: action, Detail: detail}
	if err := s.activity.Record(ctx, entry); err != nil {
		s.log.WithError(err).WithField("subtask_id", subtaskID).Debug("activity write failed")
	}
}
