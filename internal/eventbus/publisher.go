// Package eventbus moves task lifecycle events between replicas. The
// publisher writes mailbox copies for registered stream clients and then
// broadcasts on the task's Redis channel; the hub is the subscribe side,
// multiplexing one process-wide PubSub connection onto per-stream buffered
// channels. Delivery is at-least-once; clients deduplicate on
// (type, timestamp).
package eventbus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.conductor/pkg/api"
)

// DefaultMailboxTTL bounds how long an undrained mailbox survives after its
// last write.
const DefaultMailboxTTL = time.Hour

// fanout is the slice of the cache service the publisher needs.
type fanout interface {
	TaskClients(ctx context.Context, taskID string) ([]string, error)
	MailboxPush(ctx context.Context, clientID string, payload []byte, ttl time.Duration) error
	Publish(ctx context.Context, taskID string, payload []byte) (int64, error)
}

// PublisherStats counts fan-out outcomes since process start.
type PublisherStats struct {
	Published      int64
	MailboxCopies  int64
	DroppedPublish int64
	DroppedMailbox int64
}

// Publisher fans one event out to every delivery path for a task. Mailbox
// copies land before the live broadcast so a client that reconnects between
// the two still finds the event on drain.
type Publisher struct {
	cache      fanout
	log        *logrus.Logger
	mailboxTTL time.Duration
	onPublish  func(api.Event)

	published      atomic.Int64
	mailboxCopies  atomic.Int64
	droppedPublish atomic.Int64
	droppedMailbox atomic.Int64
}

// NewPublisher wires a publisher over the cache service. A zero mailboxTTL
// falls back to DefaultMailboxTTL.
func NewPublisher(cache fanout, log *logrus.Logger, mailboxTTL time.Duration) *Publisher {
	if mailboxTTL <= 0 {
		mailboxTTL = DefaultMailboxTTL
	}
	return &Publisher{cache: cache, log: log, mailboxTTL: mailboxTTL}
}

// OnPublish registers a hook invoked once per published event, used to feed
// the event counters. Set before the publisher is shared.
func (p *Publisher) OnPublish(fn func(api.Event)) {
	p.onPublish = fn
}

// Publish delivers ev to the task's channel and mailboxes. Failures degrade
// to a warn log; the state transition that produced the event has already
// committed and REST reads remain the source of truth.
func (p *Publisher) Publish(ctx context.Context, taskID string, ev api.Event) {
	if p.onPublish != nil {
		p.onPublish(ev)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.WithError(err).WithField("event_type", ev.Type).Error("event serialization failed")
		return
	}

	clients, err := p.cache.TaskClients(ctx, taskID)
	if err != nil {
		p.droppedMailbox.Add(1)
		p.log.WithError(err).WithFields(logrus.Fields{
			"task_id":    taskID,
			"event_type": ev.Type,
		}).Warn("mailbox fan-out skipped")
	}
	for _, clientID := range clients {
		if err := p.cache.MailboxPush(ctx, clientID, payload, p.mailboxTTL); err != nil {
			p.droppedMailbox.Add(1)
			p.log.WithError(err).WithFields(logrus.Fields{
				"task_id":    taskID,
				"client_id":  clientID,
				"event_type": ev.Type,
			}).Warn("mailbox copy dropped")
			continue
		}
		p.mailboxCopies.Add(1)
	}

	if _, err := p.cache.Publish(ctx, taskID, payload); err != nil {
		p.droppedPublish.Add(1)
		p.log.WithError(err).WithFields(logrus.Fields{
			"task_id":    taskID,
			"event_type": ev.Type,
		}).Warn("event broadcast dropped")
		return
	}
	p.published.Add(1)
}

// Stats snapshots the fan-out counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published:      p.published.Load(),
		MailboxCopies:  p.mailboxCopies.Load(),
		DroppedPublish: p.droppedPublish.Load(),
		DroppedMailbox: p.droppedMailbox.Load(),
	}
}
