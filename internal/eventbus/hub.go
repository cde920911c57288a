package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/cache"
	"dev.helix.conductor/pkg/api"
)

// DefaultSubscriberBuffer is the per-subscription channel depth. A full
// buffer evicts the oldest event so the stream never blocks the dispatcher.
const DefaultSubscriberBuffer = 64

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("eventbus: hub closed")

// Subscription is one local consumer of a task's event channel. Close is
// idempotent and releases the Redis channel when it was the last consumer.
type Subscription struct {
	taskID string
	ch     chan api.Event
	hub    *Hub
	once   sync.Once
	closed bool // guarded by hub.mu
}

// Events yields the event stream. The channel closes when the subscription
// or the hub closes.
func (s *Subscription) Events() <-chan api.Event { return s.ch }

// TaskID names the task this subscription follows.
func (s *Subscription) TaskID() string { return s.taskID }

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

type topic struct {
	subs map[*Subscription]struct{}
}

// Hub owns the single PubSub connection per process. The first local
// subscriber of a task subscribes the Redis channel, the last one releases
// it; Run fans incoming messages out to every attached subscription.
type Hub struct {
	pubsub *redis.PubSub
	log    *logrus.Logger
	buffer int

	mu     sync.Mutex
	topics map[string]*topic
	closed bool

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub opens the shared PubSub connection. bufferSize <= 0 falls back to
// DefaultSubscriberBuffer.
func NewHub(client *redis.Client, log *logrus.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Hub{
		pubsub: client.Subscribe(context.Background()),
		log:    log,
		buffer: bufferSize,
		topics: make(map[string]*topic),
	}
}

// Subscribe attaches a new consumer to taskID's channel.
func (h *Hub) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	t, ok := h.topics[taskID]
	if !ok {
		if err := h.pubsub.Subscribe(ctx, cache.ChannelForTask(taskID)); err != nil {
			return nil, err
		}
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[taskID] = t
	}

	sub := &Subscription{taskID: taskID, ch: make(chan api.Event, h.buffer), hub: h}
	t.subs[sub] = struct{}{}
	return sub, nil
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[s.taskID]; ok {
		delete(t.subs, s)
		if len(t.subs) == 0 {
			delete(h.topics, s.taskID)
			if !h.closed {
				if err := h.pubsub.Unsubscribe(context.Background(), cache.ChannelForTask(s.taskID)); err != nil {
					h.log.WithError(err).WithField("task_id", s.taskID).Warn("pubsub channel release failed")
				}
			}
		}
	}
	h.closeSubLocked(s)
}

// closeSubLocked closes the subscription channel exactly once. Callers hold
// h.mu, which also serializes against dispatch sends.
func (h *Hub) closeSubLocked(s *Subscription) {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Run pumps PubSub messages to subscribers until ctx is cancelled or the
// hub closes.
func (h *Hub) Run(ctx context.Context) error {
	msgs := h.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			h.dispatch(msg)
		}
	}
}

func (h *Hub) dispatch(msg *redis.Message) {
	taskID, ok := cache.TaskIDFromChannel(msg.Channel)
	if !ok {
		return
	}
	var ev api.Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		h.log.WithError(err).WithField("channel", msg.Channel).Warn("discarding malformed event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[taskID]
	if !ok {
		return
	}
	for sub := range t.subs {
		h.offer(sub, ev)
	}
}

// offer enqueues without blocking. When the buffer is full the oldest
// buffered event is evicted so the consumer keeps seeing recent state.
func (h *Hub) offer(sub *Subscription, ev api.Event) {
	select {
	case sub.ch <- ev:
		h.delivered.Add(1)
		return
	default:
	}

	select {
	case <-sub.ch:
		h.dropped.Add(1)
		h.log.WithFields(logrus.Fields{
			"task_id":    sub.taskID,
			"event_type": ev.Type,
		}).Warn("slow event consumer, evicted oldest buffered event")
	default:
	}

	select {
	case sub.ch <- ev:
		h.delivered.Add(1)
	default:
	}
}

// Delivered reports events handed to local subscribers.
func (h *Hub) Delivered() int64 { return h.delivered.Load() }

// Dropped reports events evicted from full subscriber buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribers counts attached consumers across all tasks.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.topics {
		n += len(t.subs)
	}
	return n
}

// Close detaches every subscription and tears down the PubSub connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for taskID, t := range h.topics {
		for sub := range t.subs {
			h.closeSubLocked(sub)
		}
		delete(h.topics, taskID)
	}
	h.mu.Unlock()
	return h.pubsub.Close()
}
