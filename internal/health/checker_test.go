package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

type fakeWorkers struct {
	stale  []*models.Worker
	cutoff time.Time
}

func (f *fakeWorkers) ListStale(_ context.Context, cutoff time.Time) ([]*models.Worker, error) {
	f.cutoff = cutoff
	return f.stale, nil
}

type fakeStore struct {
	orphans  map[string][]string
	err      error
	offlined []string
}

func (f *fakeStore) OfflineWorker(_ context.Context, workerID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.offlined = append(f.offlined, workerID)
	return f.orphans[workerID], nil
}

type fakeSubtasks struct {
	byID map[string]*models.Subtask
}

func (f *fakeSubtasks) ListByIDs(_ context.Context, ids []string) ([]*models.Subtask, error) {
	var out []*models.Subtask
	for _, id := range ids {
		if st, ok := f.byID[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

type fakeDispatch struct {
	requeued   []string
	requeueErr error
	mirrors    map[string][]byte
}

func (f *fakeDispatch) Requeue(_ context.Context, id string) error {
	if f.requeueErr != nil {
		return f.requeueErr
	}
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeDispatch) SetStatusMirror(_ context.Context, kind, id string, payload []byte, _ time.Duration) error {
	if f.mirrors == nil {
		f.mirrors = map[string][]byte{}
	}
	f.mirrors[kind+":"+id] = payload
	return nil
}

type fakeEvents struct {
	byTask map[string][]api.Event
}

func (f *fakeEvents) Publish(_ context.Context, taskID string, ev api.Event) {
	if f.byTask == nil {
		f.byTask = map[string][]api.Event{}
	}
	f.byTask[taskID] = append(f.byTask[taskID], ev)
}

type fakeActivities struct {
	entries []*models.ActivityLog
}

func (f *fakeActivities) Record(_ context.Context, e *models.ActivityLog) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakeWaker struct{ wakes int }

func (f *fakeWaker) Wake() { f.wakes++ }

func staleWorker(id string) *models.Worker {
	old := time.Now().UTC().Add(-10 * time.Minute)
	return &models.Worker{ID: id, Status: models.WorkerBusy, LastHeartbeatAt: &old}
}

func newTestChecker(w *fakeWorkers, store *fakeStore, sts *fakeSubtasks, d *fakeDispatch) (*Checker, *fakeEvents, *fakeActivities, *fakeWaker) {
	ev := &fakeEvents{}
	act := &fakeActivities{}
	waker := &fakeWaker{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(w, store, sts, d, ev, act, waker, DefaultConfig(), log), ev, act, waker
}

func TestSweepOfflinesStaleWorkerAndRequeuesOrphans(t *testing.T) {
	w := staleWorker("w1")
	store := &fakeStore{orphans: map[string][]string{"w1": {"s1", "s2"}}}
	sts := &fakeSubtasks{byID: map[string]*models.Subtask{
		"s1": {ID: "s1", TaskID: "t1", Status: models.SubtaskQueued},
		"s2": {ID: "s2", TaskID: "t1", Status: models.SubtaskQueued},
	}}
	d := &fakeDispatch{}
	checker, ev, act, waker := newTestChecker(&fakeWorkers{stale: []*models.Worker{w}}, store, sts, d)

	report, err := checker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Stale: 1, Offlined: 1, Requeued: 2}, report)
	assert.Equal(t, []string{"w1"}, store.offlined)
	assert.ElementsMatch(t, []string{"s1", "s2"}, d.requeued)
	assert.Contains(t, d.mirrors, "worker:w1")
	assert.Contains(t, d.mirrors, "subtask:s1")

	types := make([]api.EventType, 0, len(ev.byTask["t1"]))
	for _, e := range ev.byTask["t1"] {
		types = append(types, e.Type)
	}
	assert.ElementsMatch(t, []api.EventType{
		api.EventWorkerOffline, api.EventSubtaskRequeued, api.EventSubtaskRequeued,
	}, types)

	require.Len(t, act.entries, 1)
	assert.Equal(t, "worker.offline", act.entries[0].Action)
	assert.Equal(t, 1, waker.wakes, "requeued work wakes the scheduler")
}

func TestDeregisterReusesOfflinePath(t *testing.T) {
	store := &fakeStore{orphans: map[string][]string{"w1": {"s1"}}}
	sts := &fakeSubtasks{byID: map[string]*models.Subtask{
		"s1": {ID: "s1", TaskID: "t1", Status: models.SubtaskQueued},
	}}
	d := &fakeDispatch{}
	checker, ev, act, waker := newTestChecker(&fakeWorkers{}, store, sts, d)

	requeued, err := checker.Deregister(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, []string{"w1"}, store.offlined)
	assert.Equal(t, []string{"s1"}, d.requeued)
	assert.Equal(t, 1, waker.wakes)

	require.Len(t, act.entries, 1)
	assert.Equal(t, "deregistered", act.entries[0].Detail["reason"])

	types := make([]api.EventType, 0, len(ev.byTask["t1"]))
	for _, e := range ev.byTask["t1"] {
		types = append(types, e.Type)
	}
	assert.ElementsMatch(t, []api.EventType{api.EventWorkerOffline, api.EventSubtaskRequeued}, types)
}

func TestSweepGroupsEventsByTask(t *testing.T) {
	w := staleWorker("w1")
	store := &fakeStore{orphans: map[string][]string{"w1": {"s1", "s2"}}}
	sts := &fakeSubtasks{byID: map[string]*models.Subtask{
		"s1": {ID: "s1", TaskID: "t1"},
		"s2": {ID: "s2", TaskID: "t2"},
	}}
	checker, ev, _, _ := newTestChecker(&fakeWorkers{stale: []*models.Worker{w}}, store, sts, &fakeDispatch{})

	_, err := checker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, ev.byTask["t1"], 2, "worker_offline + subtask_requeued")
	assert.Len(t, ev.byTask["t2"], 2)
}

func TestSweepWorkerWithoutOrphans(t *testing.T) {
	w := staleWorker("w-idle")
	store := &fakeStore{}
	checker, ev, act, waker := newTestChecker(&fakeWorkers{stale: []*models.Worker{w}}, store, &fakeSubtasks{}, &fakeDispatch{})

	report, err := checker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Stale: 1, Offlined: 1, Requeued: 0}, report)
	assert.Empty(t, ev.byTask, "no orphans means no task to notify")
	assert.Len(t, act.entries, 1)
	assert.Zero(t, waker.wakes, "nothing requeued, no wake")
}

func TestSweepContinuesPastFailingWorker(t *testing.T) {
	bad := staleWorker("w-bad")
	good := staleWorker("w-good")
	store := &fakeStore{err: errors.New("deadlock")}
	checker, _, _, _ := newTestChecker(&fakeWorkers{stale: []*models.Worker{bad, good}}, store, &fakeSubtasks{}, &fakeDispatch{})

	report, err := checker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Stale)
	assert.Equal(t, 0, report.Offlined, "store failures are logged, not fatal")
}

func TestSweepCacheOutageStillOfflines(t *testing.T) {
	w := staleWorker("w1")
	store := &fakeStore{orphans: map[string][]string{"w1": {"s1"}}}
	sts := &fakeSubtasks{byID: map[string]*models.Subtask{"s1": {ID: "s1", TaskID: "t1"}}}
	d := &fakeDispatch{requeueErr: errors.New("redis down")}
	checker, ev, _, _ := newTestChecker(&fakeWorkers{stale: []*models.Worker{w}}, store, sts, d)

	report, err := checker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Offlined)
	assert.Equal(t, 1, report.Requeued, "DB requeue counts even when the cache push fails")
	assert.NotEmpty(t, ev.byTask["t1"])
}

func TestSweepCutoffUsesHeartbeatTimeout(t *testing.T) {
	w := &fakeWorkers{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cfg := Config{Interval: time.Second, HeartbeatTimeout: 2 * time.Minute}
	checker := New(w, &fakeStore{}, &fakeSubtasks{}, &fakeDispatch{}, nil, nil, nil, cfg, log)

	before := time.Now().UTC().Add(-cfg.HeartbeatTimeout)
	_, err := checker.Sweep(context.Background())
	require.NoError(t, err)
	after := time.Now().UTC().Add(-cfg.HeartbeatTimeout)
	assert.True(t, !w.cutoff.Before(before) && !w.cutoff.After(after), "cutoff is now minus timeout")
}

func TestRunStopsOnCancel(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cfg := Config{Interval: 5 * time.Millisecond, HeartbeatTimeout: time.Minute}
	checker := New(&fakeWorkers{}, &fakeStore{}, &fakeSubtasks{}, &fakeDispatch{}, nil, nil, nil, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- checker.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
