// Package scheduler runs the dispatch loop: a fixed-interval cycle plus
// immediate wakes when worker capacity frees up. Each cycle drains the
// dispatch queue first, then scans active tasks for ready subtasks, and
// finalizes tasks whose subtasks all reached a terminal state.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dev.helix.conductor/internal/allocator"
	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/cache"
	"dev.helix.conductor/internal/database"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// tasks is the repository slice the scheduler reads and finalizes.
type tasks interface {
	ListActive(ctx context.Context) ([]*models.Task, error)
	Get(ctx context.Context, id string) (*models.Task, error)
	Transition(ctx context.Context, id string, from []models.TaskStatus, to models.TaskStatus) error
	SetProgress(ctx context.Context, id string, progress int) error
	SetStatusAndProgress(ctx context.Context, id string, status models.TaskStatus, progress int) error
}

// subtasks loads dispatch candidates and the authoritative capacity count.
type subtasks interface {
	ListByTask(ctx context.Context, taskID string) ([]*models.Subtask, error)
	ListByIDs(ctx context.Context, ids []string) ([]*models.Subtask, error)
	CountInProgress(ctx context.Context) (int, error)
}

// counter aggregates terminal tallies for progress recomputation.
type counter interface {
	CountTaskSubtasks(ctx context.Context, taskID string) (*database.TaskStatusCounts, error)
}

// allocating is the allocator entry point.
type allocating interface {
	Allocate(ctx context.Context, task *models.Task, st *models.Subtask) (*allocator.Outcome, error)
}

// queue is the cache slice backing the dispatch queue and mirrors.
type queue interface {
	Dequeue(ctx context.Context, n int) ([]string, error)
	Enqueue(ctx context.Context, subtaskID string) error
	QueueDepth(ctx context.Context) (int64, error)
	InProgressCount(ctx context.Context) (int64, error)
	SetStatusMirror(ctx context.Context, kind, id string, payload []byte, ttl time.Duration) error
}

// publisher fans task lifecycle events out to watchers.
type publisher interface {
	Publish(ctx context.Context, taskID string, ev api.Event)
}

// Config tunes the loop.
type Config struct {
	Interval   time.Duration
	CycleGrace time.Duration
	GlobalCap  int
	MaxDrain   int
	BatchSize  int
}

// DefaultConfig matches the stock deployment.
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		CycleGrace: 5 * time.Second,
		GlobalCap:  20,
		MaxDrain:   100,
		BatchSize:  50,
	}
}

// CycleReport describes one scheduling pass.
type CycleReport struct {
	Scanned    int           `json:"scanned"`
	Allocated  int           `json:"allocated"`
	Requeued   int           `json:"requeued"`
	Skipped    int           `json:"skipped"`
	QueueDepth int64         `json:"queue_depth"`
	InProgress int           `json:"in_progress"`
	Capacity   int           `json:"capacity"`
	Duration   time.Duration `json:"duration_ns"`
	StartedAt  time.Time     `json:"started_at"`
}

// Totals are lifetime counters across cycles.
type Totals struct {
	Cycles    int64 `json:"cycles"`
	Scanned   int64 `json:"scanned"`
	Allocated int64 `json:"allocated"`
	Requeued  int64 `json:"requeued"`
	Skipped   int64 `json:"skipped"`
}

// Stats is the GET /scheduler/stats payload.
type Stats struct {
	LastCycle CycleReport `json:"last_cycle"`
	Totals    Totals      `json:"totals"`
}

// Service is the scheduler.
type Service struct {
	tasks    tasks
	subtasks subtasks
	store    counter
	alloc    allocating
	queue    queue
	events   publisher
	cfg      Config
	log      *logrus.Logger
	tracer   trace.Tracer

	wake    chan struct{}
	onCycle func(CycleReport)

	mu     sync.Mutex
	last   CycleReport
	totals Totals
}

// New wires a scheduler.
func New(t tasks, sts subtasks, store counter, alloc allocating, q queue, ev publisher, cfg Config, log *logrus.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxDrain <= 0 {
		cfg.MaxDrain = 100
	}
	return &Service{
		tasks:    t,
		subtasks: sts,
		store:    store,
		alloc:    alloc,
		queue:    q,
		events:   ev,
		cfg:      cfg,
		log:      log,
		tracer:   otel.Tracer("conductor/scheduler"),
		wake:     make(chan struct{}, 1),
	}
}

// OnCycle registers a hook invoked after every completed cycle, used to
// feed the cycle metrics. Set before Run.
func (s *Service) OnCycle(fn func(CycleReport)) {
	s.onCycle = fn
}

// Wake requests an immediate cycle. Safe from any goroutine; signals
// coalesce while a cycle is pending.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives cycles until ctx is done. An initial cycle runs right away so
// queued work does not wait a full interval after a restart.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
		s.cycle(ctx)
	}
}

// Stats returns the last cycle report plus lifetime counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{LastCycle: s.last, Totals: s.totals}
}

func (s *Service) cycle(ctx context.Context) {
	report, err := s.RunCycle(ctx)
	if err != nil {
		s.log.WithError(err).Warn("scheduler cycle failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"scanned":     report.Scanned,
		"allocated":   report.Allocated,
		"requeued":    report.Requeued,
		"skipped":     report.Skipped,
		"queue_depth": report.QueueDepth,
		"in_progress": report.InProgress,
		"capacity":    report.Capacity,
		"duration":    report.Duration,
	}).Info("scheduler cycle complete")
}

// RunCycle executes one scheduling pass under a deadline of interval minus
// grace, so a slow cycle never overlaps the next tick.
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.cycle")
	defer span.End()

	if deadline := s.cfg.Interval - s.cfg.CycleGrace; deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	started := time.Now()
	report := CycleReport{StartedAt: started.UTC()}

	inProgress, err := s.subtasks.CountInProgress(ctx)
	if err != nil {
		return report, err
	}
	// The DB count is authoritative; the cache set is a mirror that can lag
	// behind crashes and requeues.
	if mirrored, err := s.queue.InProgressCount(ctx); err == nil && int(mirrored) != inProgress {
		s.log.WithFields(logrus.Fields{
			"db_count":    inProgress,
			"cache_count": mirrored,
		}).Warn("in-progress count divergence")
	}

	report.InProgress = inProgress
	capacity := s.cfg.GlobalCap - inProgress
	report.Capacity = capacity
	if depth, err := s.queue.QueueDepth(ctx); err == nil {
		report.QueueDepth = depth
	}

	taskByID := make(map[string]*models.Task)
	processed := make(map[string]struct{})

	if capacity > 0 {
		if err := s.drainQueue(ctx, &report, &capacity, taskByID, processed); err != nil {
			return report, err
		}
	}
	if err := s.scanActive(ctx, &report, &capacity, processed); err != nil {
		return report, err
	}

	report.Duration = time.Since(started)
	span.SetAttributes(
		attribute.Int("scheduler.scanned", report.Scanned),
		attribute.Int("scheduler.allocated", report.Allocated),
		attribute.Int("scheduler.requeued", report.Requeued),
		attribute.Int("scheduler.capacity", report.Capacity),
	)

	s.mu.Lock()
	s.last = report
	s.totals.Cycles++
	s.totals.Scanned += int64(report.Scanned)
	s.totals.Allocated += int64(report.Allocated)
	s.totals.Requeued += int64(report.Requeued)
	s.totals.Skipped += int64(report.Skipped)
	s.mu.Unlock()

	if s.onCycle != nil {
		s.onCycle(report)
	}
	return report, nil
}

// drainQueue pops queued subtasks in batches and offers each to the
// allocator, oldest first.
func (s *Service) drainQueue(ctx context.Context, report *CycleReport, capacity *int, taskByID map[string]*models.Task, processed map[string]struct{}) error {
	drained := 0
	for *capacity > 0 && drained < s.cfg.MaxDrain {
		n := min(*capacity, s.cfg.BatchSize, s.cfg.MaxDrain-drained)
		ids, err := s.queue.Dequeue(ctx, n)
		if err != nil {
			// Cache degraded; the active-task scan below still dispatches
			// queued rows from the DB.
			s.log.WithError(err).Warn("queue drain degraded")
			return nil
		}
		if len(ids) == 0 {
			return nil
		}
		drained += len(ids)

		batch, err := s.subtasks.ListByIDs(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[string]*models.Subtask, len(batch))
		for _, st := range batch {
			byID[st.ID] = st
		}

		for _, id := range ids {
			processed[id] = struct{}{}
			st, ok := byID[id]
			if !ok || !st.Status.Assignable() {
				// Row finished or was cancelled while queued; drop the stale
				// queue entry.
				report.Skipped++
				continue
			}
			task, err := s.taskFor(ctx, taskByID, st.TaskID)
			if err != nil {
				report.Skipped++
				continue
			}
			if task.Status == models.TaskPaused || task.Status.IsTerminal() {
				// Put the entry back so the queue keeps matching the DB row;
				// a paused task resumes with its queue intact.
				if err := s.queue.Enqueue(ctx, id); err != nil {
					s.log.WithError(err).WithField("subtask_id", id).Warn("queue push degraded")
				}
				report.Skipped++
				continue
			}
			if *capacity <= 0 {
				if err := s.queue.Enqueue(ctx, id); err != nil {
					s.log.WithError(err).WithField("subtask_id", id).Warn("queue push degraded")
				}
				report.Skipped++
				continue
			}
			s.offer(ctx, report, capacity, task, st)
		}
	}
	return nil
}

// scanActive walks active tasks highest priority first, dispatching ready
// subtasks and finalizing tasks whose subtasks all terminated. Queued rows
// missing from the cache queue are dispatched directly so a cache flush
// cannot strand them.
func (s *Service) scanActive(ctx context.Context, report *CycleReport, capacity *int, processed map[string]struct{}) error {
	active, err := s.tasks.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, task := range active {
		subs, err := s.subtasks.ListByTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			continue
		}

		live := 0
		for _, st := range subs {
			if !st.Status.IsTerminal() {
				live++
			}
		}
		if live == 0 {
			if err := s.finalizeTask(ctx, task, subs); err != nil {
				s.log.WithError(err).WithField("task_id", task.ID).Warn("task finalize failed")
			}
			continue
		}

		if *capacity <= 0 {
			continue
		}
		for _, st := range models.ReadySet(subs) {
			if *capacity <= 0 {
				break
			}
			report.Scanned++
			s.offer(ctx, report, capacity, task, st)
		}
		for _, st := range subs {
			if *capacity <= 0 {
				break
			}
			if st.Status != models.SubtaskQueued {
				continue
			}
			if _, seen := processed[st.ID]; seen {
				continue
			}
			report.Scanned++
			s.offer(ctx, report, capacity, task, st)
		}
	}
	return nil
}

// offer hands one subtask to the allocator and folds the outcome into the
// report.
func (s *Service) offer(ctx context.Context, report *CycleReport, capacity *int, task *models.Task, st *models.Subtask) {
	out, err := s.alloc.Allocate(ctx, task, st)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"subtask_id": st.ID,
			"task_id":    task.ID,
		}).Warn("allocation failed")
		report.Skipped++
		return
	}
	switch {
	case out.Allocated:
		report.Allocated++
		*capacity--
		s.markTaskStarted(ctx, task)
	case out.Queued:
		report.Requeued++
	}
}

// markTaskStarted moves a decomposed task to in_progress on its first
// allocation. Losing the transition race to another replica is fine.
func (s *Service) markTaskStarted(ctx context.Context, task *models.Task) {
	if task.Status != models.TaskDecomposed {
		return
	}
	err := s.tasks.Transition(ctx, task.ID, []models.TaskStatus{models.TaskDecomposed}, models.TaskInProgress)
	if err != nil && !apperrors.IsCode(err, apperrors.CodeVersionConflict) {
		s.log.WithError(err).WithField("task_id", task.ID).Warn("task start transition failed")
		return
	}
	task.Status = models.TaskInProgress
	s.mirrorTask(ctx, task.ID, models.TaskInProgress, task.Progress)
}

// finalizeTask closes out a task whose subtasks all terminated: completed
// when every one completed, failed otherwise.
func (s *Service) finalizeTask(ctx context.Context, task *models.Task, subs []*models.Subtask) error {
	counts := tally(subs)
	final := models.TaskFailed
	if counts.Completed == counts.Total {
		final = models.TaskCompleted
	}
	progress := counts.Progress()
	if err := s.tasks.SetStatusAndProgress(ctx, task.ID, final, progress); err != nil {
		return err
	}
	s.mirrorTask(ctx, task.ID, final, progress)

	eventType := api.EventTaskCompleted
	if final == models.TaskFailed {
		eventType = api.EventTaskFailed
	}
	if s.events != nil {
		s.events.Publish(ctx, task.ID, api.NewEvent(eventType, map[string]any{
			"task_id":  task.ID,
			"status":   final,
			"progress": progress,
		}))
	}
	s.log.WithFields(logrus.Fields{
		"task_id": task.ID,
		"status":  final,
	}).Info("task finalized")
	return nil
}

// ReconcileTask recomputes a task's progress after a subtask terminated and
// finalizes the task when nothing is left running. Wired to the allocator's
// release hook; the periodic scan catches anything a missed hook leaves
// behind.
func (s *Service) ReconcileTask(ctx context.Context, taskID string) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	// Paused tasks resume through a checkpoint decision; terminal and
	// not-yet-decomposed tasks have nothing to recompute.
	if task.Status.IsTerminal() || task.Status == models.TaskPaused || task.Status == models.TaskPending {
		return nil
	}
	counts, err := s.store.CountTaskSubtasks(ctx, taskID)
	if err != nil {
		return err
	}
	if counts.Total == 0 {
		return nil
	}

	if counts.AllTerminal() {
		final := models.TaskFailed
		if counts.Completed == counts.Total {
			final = models.TaskCompleted
		}
		progress := counts.Progress()
		if err := s.tasks.SetStatusAndProgress(ctx, taskID, final, progress); err != nil {
			return err
		}
		s.mirrorTask(ctx, taskID, final, progress)
		eventType := api.EventTaskCompleted
		if final == models.TaskFailed {
			eventType = api.EventTaskFailed
		}
		if s.events != nil {
			s.events.Publish(ctx, taskID, api.NewEvent(eventType, map[string]any{
				"task_id":  taskID,
				"status":   final,
				"progress": progress,
			}))
		}
		s.log.WithFields(logrus.Fields{"task_id": taskID, "status": final}).Info("task finalized")
		return nil
	}

	progress := counts.Progress()
	if progress == task.Progress {
		return nil
	}
	if err := s.tasks.SetProgress(ctx, taskID, progress); err != nil {
		return err
	}
	s.mirrorTask(ctx, taskID, task.Status, progress)
	if s.events != nil {
		s.events.Publish(ctx, taskID, api.NewEvent(api.EventTaskProgress, map[string]any{
			"task_id":   taskID,
			"progress":  progress,
			"completed": counts.Completed,
			"total":     counts.Total,
		}))
	}
	return nil
}

func (s *Service) taskFor(ctx context.Context, byID map[string]*models.Task, id string) (*models.Task, error) {
	if t, ok := byID[id]; ok {
		return t, nil
	}
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	byID[id] = t
	return t, nil
}

func (s *Service) mirrorTask(ctx context.Context, id string, status models.TaskStatus, progress int) {
	payload, err := json.Marshal(map[string]any{
		"id":       id,
		"status":   status,
		"progress": progress,
	})
	if err != nil {
		return
	}
	if err := s.queue.SetStatusMirror(ctx, "task", id, payload, cache.DefaultMirrorTTL); err != nil {
		s.log.WithError(err).WithField("task_id", id).Warn("task mirror update failed")
	}
}

func tally(subs []*models.Subtask) database.TaskStatusCounts {
	var counts database.TaskStatusCounts
	counts.Total = len(subs)
	for _, st := range subs {
		switch st.Status {
		case models.SubtaskCompleted:
			counts.Completed++
		case models.SubtaskFailed:
			counts.Failed++
		case models.SubtaskCancelled:
			counts.Cancelled++
		case models.SubtaskSkipped:
			counts.Skipped++
		case models.SubtaskQueued, models.SubtaskInProgress:
			counts.Live++
		}
	}
	return counts
}
