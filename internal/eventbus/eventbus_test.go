package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.conductor/internal/cache"
	"dev.helix.conductor/pkg/api"
)

func newTestBackend(t *testing.T) (*cache.Service, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return cache.NewWithClient(client, nil, log), client, mr
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestPublisherWritesMailboxCopies(t *testing.T) {
	svc, _, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, svc.AddTaskClient(ctx, "t1", "c1", time.Hour))
	require.NoError(t, svc.AddTaskClient(ctx, "t1", "c2", time.Hour))

	pub := NewPublisher(svc, quietLogger(), time.Hour)
	ev := api.NewEvent(api.EventTaskProgress, map[string]any{"progress": 50})
	pub.Publish(ctx, "t1", ev)

	for _, clientID := range []string{"c1", "c2"} {
		msgs, err := svc.MailboxDrain(ctx, clientID)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "client %s", clientID)

		var got api.Event
		require.NoError(t, json.Unmarshal([]byte(msgs[0]), &got))
		assert.Equal(t, api.EventTaskProgress, got.Type)
		assert.EqualValues(t, 50, got.Data["progress"])
	}

	stats := pub.Stats()
	assert.EqualValues(t, 1, stats.Published)
	assert.EqualValues(t, 2, stats.MailboxCopies)
	assert.Zero(t, stats.DroppedPublish)
}

func TestPublisherNoClientsStillBroadcasts(t *testing.T) {
	svc, _, _ := newTestBackend(t)
	pub := NewPublisher(svc, quietLogger(), 0)

	pub.Publish(context.Background(), "t1", api.NewEvent(api.EventTaskCreated, nil))

	stats := pub.Stats()
	assert.EqualValues(t, 1, stats.Published)
	assert.Zero(t, stats.MailboxCopies)
}

type failingFanout struct{ err error }

func (f *failingFanout) TaskClients(context.Context, string) ([]string, error) {
	return nil, f.err
}
func (f *failingFanout) MailboxPush(context.Context, string, []byte, time.Duration) error {
	return f.err
}
func (f *failingFanout) Publish(context.Context, string, []byte) (int64, error) {
	return 0, f.err
}

func TestPublisherDegradesWithoutError(t *testing.T) {
	pub := NewPublisher(&failingFanout{err: errors.New("redis down")}, quietLogger(), time.Hour)

	// Must not panic or block; state transitions never depend on fan-out.
	pub.Publish(context.Background(), "t1", api.NewEvent(api.EventTaskFailed, nil))

	stats := pub.Stats()
	assert.Zero(t, stats.Published)
	assert.EqualValues(t, 1, stats.DroppedPublish)
	assert.EqualValues(t, 1, stats.DroppedMailbox)
}

func TestHubDeliversAcrossConnections(t *testing.T) {
	svc, client, _ := newTestBackend(t)
	ctx := context.Background()

	hub := NewHub(client, quietLogger(), 8)
	t.Cleanup(func() { _ = hub.Close() })

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go func() { _ = hub.Run(runCtx) }()

	sub, err := hub.Subscribe(ctx, "t1")
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	assert.Equal(t, 1, hub.Subscribers())

	payload, err := json.Marshal(api.NewEvent(api.EventSubtaskStarted, map[string]any{"subtask_id": "s1"}))
	require.NoError(t, err)

	var got api.Event
	received := make(chan api.Event, 1)
	go func() {
		if ev, ok := <-sub.Events(); ok {
			received <- ev
		}
	}()

	// The SUBSCRIBE confirmation races the first PUBLISH, so publish until
	// the subscriber sees an event.
	require.Eventually(t, func() bool {
		_, _ = svc.Publish(ctx, "t1", payload)
		select {
		case got = <-received:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, api.EventSubtaskStarted, got.Type)
	assert.Equal(t, "s1", got.Data["subtask_id"])
}

func TestHubIgnoresOtherTasks(t *testing.T) {
	svc, client, _ := newTestBackend(t)
	ctx := context.Background()

	hub := NewHub(client, quietLogger(), 8)
	t.Cleanup(func() { _ = hub.Close() })

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go func() { _ = hub.Run(runCtx) }()

	subA, err := hub.Subscribe(ctx, "task-a")
	require.NoError(t, err)
	t.Cleanup(subA.Close)
	subB, err := hub.Subscribe(ctx, "task-b")
	require.NoError(t, err)
	t.Cleanup(subB.Close)

	payloadA, _ := json.Marshal(api.NewEvent(api.EventTaskCompleted, map[string]any{"task_id": "task-a"}))

	var got api.Event
	received := make(chan api.Event, 1)
	go func() {
		if ev, ok := <-subA.Events(); ok {
			received <- ev
		}
	}()
	require.Eventually(t, func() bool {
		_, _ = svc.Publish(ctx, "task-a", payloadA)
		select {
		case got = <-received:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "task-a", got.Data["task_id"])

	select {
	case ev, ok := <-subB.Events():
		if ok {
			t.Fatalf("task-b subscriber received foreign event %v", ev.Type)
		}
	default:
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	_, client, _ := newTestBackend(t)
	hub := NewHub(client, quietLogger(), 8)
	t.Cleanup(func() { _ = hub.Close() })

	sub, err := hub.Subscribe(context.Background(), "t1")
	require.NoError(t, err)

	sub.Close()
	sub.Close()
	assert.Zero(t, hub.Subscribers())

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel closes on unsubscribe")
}

func TestHubCloseRejectsNewSubscribers(t *testing.T) {
	_, client, _ := newTestBackend(t)
	hub := NewHub(client, quietLogger(), 8)

	sub, err := hub.Subscribe(context.Background(), "t1")
	require.NoError(t, err)

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err = hub.Subscribe(context.Background(), "t2")
	assert.ErrorIs(t, err, ErrHubClosed)

	// Closing a subscription after hub shutdown must not panic.
	sub.Close()
}

func TestOfferEvictsOldestWhenFull(t *testing.T) {
	_, client, _ := newTestBackend(t)
	hub := NewHub(client, quietLogger(), 2)
	t.Cleanup(func() { _ = hub.Close() })

	sub, err := hub.Subscribe(context.Background(), "t1")
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	hub.mu.Lock()
	hub.offer(sub, api.NewEvent(api.EventTaskCreated, map[string]any{"n": 1}))
	hub.offer(sub, api.NewEvent(api.EventTaskProgress, map[string]any{"n": 2}))
	hub.offer(sub, api.NewEvent(api.EventTaskCompleted, map[string]any{"n": 3}))
	hub.mu.Unlock()

	first := <-sub.Events()
	second := <-sub.Events()
	assert.Equal(t, api.EventTaskProgress, first.Type, "oldest event evicted")
	assert.Equal(t, api.EventTaskCompleted, second.Type)
	assert.EqualValues(t, 1, hub.Dropped())
}
