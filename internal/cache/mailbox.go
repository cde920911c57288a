package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// drainScript reads and deletes a mailbox in one atomic step so reconnecting
// clients never double-consume the backlog within one replica.
var drainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`)

// AddTaskClient records a client's interest in a task so publishers know
// which mailboxes to copy events into. The set inherits the mailbox TTL.
func (s *Service) AddTaskClient(ctx context.Context, taskID, clientID string, ttl time.Duration) error {
	return s.do(ctx, func(ctx context.Context) error {
		pipe := s.client.Pipeline()
		pipe.SAdd(ctx, taskClientsKey(taskID), clientID)
		pipe.Expire(ctx, taskClientsKey(taskID), ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RemoveTaskClient drops a client's interest on clean disconnect; abandoned
// entries age out with the TTL.
func (s *Service) RemoveTaskClient(ctx context.Context, taskID, clientID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.SRem(ctx, taskClientsKey(taskID), clientID).Err()
	})
}

// TaskClients lists the client ids currently interested in a task.
func (s *Service) TaskClients(ctx context.Context, taskID string) ([]string, error) {
	var ids []string
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		ids, err = s.client.SMembers(ctx, taskClientsKey(taskID)).Result()
		return err
	})
	return ids, err
}

// MailboxPush appends an event to a client mailbox and refreshes its TTL.
func (s *Service) MailboxPush(ctx context.Context, clientID string, payload []byte, ttl time.Duration) error {
	return s.do(ctx, func(ctx context.Context) error {
		pipe := s.client.Pipeline()
		pipe.RPush(ctx, mailboxKey(clientID), payload)
		pipe.Expire(ctx, mailboxKey(clientID), ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// MailboxDrain atomically consumes the client's backlog, oldest first.
func (s *Service) MailboxDrain(ctx context.Context, clientID string) ([]string, error) {
	var items []string
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := drainScript.Run(ctx, s.client, []string{mailboxKey(clientID)}).StringSlice()
		if err != nil {
			return err
		}
		items = res
		return nil
	})
	return items, err
}

// Publish fans an event out to live subscribers on the task channel and
// returns the receiver count.
func (s *Service) Publish(ctx context.Context, taskID string, payload []byte) (int64, error) {
	var receivers int64
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		receivers, err = s.client.Publish(ctx, taskChannel(taskID), payload).Result()
		return err
	})
	return receivers, err
}

// ChannelForTask exposes the channel naming for the subscriber side.
func ChannelForTask(taskID string) string { return taskChannel(taskID) }

// TaskIDFromChannel inverts ChannelForTask; ok is false for foreign channels.
func TaskIDFromChannel(channel string) (string, bool) {
	const prefix = "task:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return "", false
	}
	return channel[len(prefix):], true
}
