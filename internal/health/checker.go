// Package health sweeps the worker registry for dead agents: a worker whose
// heartbeat is older than the timeout goes offline and its in-progress
// subtasks return to the dispatch queue.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/cache"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// workers lists sweep candidates.
type workers interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.Worker, error)
}

// offliner is the transactional offline-and-reset entry point on the store.
type offliner interface {
	OfflineWorker(ctx context.Context, workerID string) ([]string, error)
}

// subtasks resolves orphan rows to their tasks for event fan-out.
type subtasks interface {
	ListByIDs(ctx context.Context, ids []string) ([]*models.Subtask, error)
}

// dispatch is the cache slice: requeue script and status mirrors.
type dispatch interface {
	Requeue(ctx context.Context, subtaskID string) error
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

// waker pokes the scheduler after requeues free up work.
type waker interface {
	Wake()
}

// Config tunes the sweep.
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
}

// DefaultConfig matches the stock deployment.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		HeartbeatTimeout: 120 * time.Second,
	}
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Stale    int `json:"stale"`
	Offlined int `json:"offlined"`
	Requeued int `json:"requeued"`
}

// Checker is the health sweeper.
type Checker struct {
	workers  workers
	store    offliner
	subtasks subtasks
	cache    dispatch
	events   publisher
	activity activities
	sched    waker
	cfg      Config
	log      *logrus.Logger

	mu   sync.Mutex
	last SweepReport
}

// New wires a health checker. sched may be nil.
func New(w workers, store offliner, sts subtasks, c dispatch, ev publisher, act activities, sched waker, cfg Config, log *logrus.Logger) *Checker {
	return &Checker{
		workers:  w,
		store:    store,
		subtasks: sts,
		cache:    c,
		events:   ev,
		activity: act,
		sched:    sched,
		cfg:      cfg,
		log:      log,
	}
}

// Run sweeps until ctx is done. The first sweep runs a full interval after
// start; agents get one heartbeat period to refresh before staleness is
// judged against a restarted orchestrator.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := c.Sweep(ctx); err != nil {
			c.log.WithError(err).Warn("health sweep failed")
		}
	}
}

// LastSweep returns the most recent report.
func (c *Checker) LastSweep() SweepReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Sweep offlines every worker whose heartbeat predates the timeout and
// requeues its orphaned subtasks.
func (c *Checker) Sweep(ctx context.Context) (SweepReport, error) {
	cutoff := time.Now().UTC().Add(-c.cfg.HeartbeatTimeout)
	stale, err := c.workers.ListStale(ctx, cutoff)
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	report.Stale = len(stale)
	for _, w := range stale {
		requeued, err := c.offline(ctx, w.ID, "heartbeat stale")
		if err != nil {
			c.log.WithError(err).WithField("worker_id", w.ID).Warn("worker offline failed")
			continue
		}
		report.Offlined++
		report.Requeued += requeued
	}

	if report.Offlined > 0 {
		c.log.WithFields(logrus.Fields{
			"stale":    report.Stale,
			"offlined": report.Offlined,
			"requeued": report.Requeued,
		}).Info("health sweep offlined workers")
		if c.sched != nil && report.Requeued > 0 {
			c.sched.Wake()
		}
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report, nil
}

// Deregister takes one worker offline on request, through the same
// offline-and-requeue path the sweep uses. The row survives for audit; a
// re-register with the same machine id revives it.
func (c *Checker) Deregister(ctx context.Context, workerID string) (int, error) {
	requeued, err := c.offline(ctx, workerID, "deregistered")
	if err != nil {
		return 0, err
	}
	if c.sched != nil && requeued > 0 {
		c.sched.Wake()
	}
	return requeued, nil
}

// offline moves one worker offline, requeues its orphans in the cache, and
// publishes worker_offline plus subtask_requeued on every affected task.
func (c *Checker) offline(ctx context.Context, workerID, reason string) (int, error) {
	orphanIDs, err := c.store.OfflineWorker(ctx, workerID)
	if err != nil {
		return 0, err
	}
	c.mirrorWorker(ctx, workerID)

	for _, id := range orphanIDs {
		if err := c.cache.Requeue(ctx, id); err != nil {
			// DB status queued is authoritative; the scheduler's reconcile
			// pass restores the queue entry.
			c.log.WithError(err).WithField("subtask_id", id).Warn("cache requeue degraded")
		}
	}

	orphans, err := c.subtasks.ListByIDs(ctx, orphanIDs)
	if err != nil {
		c.log.WithError(err).WithField("worker_id", workerID).Warn("orphan lookup failed")
		orphans = nil
	}
	byTask := make(map[string][]*models.Subtask)
	for _, st := range orphans {
		byTask[st.TaskID] = append(byTask[st.TaskID], st)
		c.mirrorSubtask(ctx, st)
	}
	if c.events != nil {
		for taskID, batch := range byTask {
			ids := make([]string, 0, len(batch))
			for _, st := range batch {
				ids = append(ids, st.ID)
			}
			c.events.Publish(ctx, taskID, api.NewEvent(api.EventWorkerOffline, map[string]any{
				"worker_id":   workerID,
				"subtask_ids": ids,
			}))
			for _, st := range batch {
				c.events.Publish(ctx, taskID, api.NewEvent(api.EventSubtaskRequeued, map[string]any{
					"subtask_id": st.ID,
					"worker_id":  workerID,
				}))
			}
		}
	}

	c.record(ctx, workerID, map[string]any{"orphans": len(orphanIDs), "reason": reason})
	c.log.WithFields(logrus.Fields{
		"worker_id": workerID,
		"orphans":   len(orphanIDs),
		"reason":    reason,
	}).Info("worker offline")
	return len(orphanIDs), nil
}

func (c *Checker) mirrorWorker(ctx context.Context, workerID string) {
	payload, err := json.Marshal(map[string]any{"id": workerID, "status": models.WorkerOffline})
	if err != nil {
		return
	}
	if err := c.cache.SetStatusMirror(ctx, "worker", workerID, payload, cache.DefaultMirrorTTL); err != nil {
		c.log.WithError(err).WithField("worker_id", workerID).Warn("worker mirror update failed")
	}
}

func (c *Checker) mirrorSubtask(ctx context.Context, st *models.Subtask) {
	payload, err := json.Marshal(map[string]any{
		"id":      st.ID,
		"task_id": st.TaskID,
		"status":  models.SubtaskQueued,
	})
	if err != nil {
		return
	}
	if err := c.cache.SetStatusMirror(ctx, "subtask", st.ID, payload, cache.DefaultMirrorTTL); err != nil {
		c.log.WithError(err).WithField("subtask_id", st.ID).Warn("subtask mirror update failed")
	}
}

func (c *Checker) record(ctx context.Context, workerID string, detail map[string]any) {
	if c.activity == nil {
		return
	}
	entry := &models.ActivityLog{EntityType: "worker", EntityID: workerID, Action: "worker.offline", Detail: detail}
	if err := c.activity.Record(ctx, entry); err != nil {
		c.log.WithError(err).WithField("worker_id", workerID).Debug("activity write failed")
	}
}
