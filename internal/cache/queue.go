package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// requeueScript moves a subtask from the in-progress set back to the pending
// queue tail in one atomic step. The LREM guards against double-queueing.
var requeueScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// bindScript removes a subtask from the pending queue and marks it
// in-progress in one atomic step.
var bindScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
return redis.call('SADD', KEYS[2], ARGV[1])
`)

// Enqueue pushes a subtask id onto the pending queue tail (FIFO).
func (s *Service) Enqueue(ctx context.Context, subtaskID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.RPush(ctx, keyPendingQueue, subtaskID).Err()
	})
}

// Dequeue pops up to n subtask ids from the queue head. Returns nil when the
// queue is empty.
func (s *Service) Dequeue(ctx context.Context, n int) ([]string, error) {
	var ids []string
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := s.client.LPopCount(ctx, keyPendingQueue, n).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		ids = res
		return nil
	})
	return ids, err
}

// QueueDepth returns the pending queue length.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		depth, err = s.client.LLen(ctx, keyPendingQueue).Result()
		return err
	})
	return depth, err
}

// RemoveQueued deletes a subtask id from the pending queue (cancellation and
// rollback purge).
func (s *Service) RemoveQueued(ctx context.Context, subtaskID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.LRem(ctx, keyPendingQueue, 0, subtaskID).Err()
	})
}

// Bind atomically moves a subtask from the queue into the in-progress set.
func (s *Service) Bind(ctx context.Context, subtaskID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return bindScript.Run(ctx, s.client, []string{keyPendingQueue, keyInProgress}, subtaskID).Err()
	})
}

// Unbind drops a subtask from the in-progress set on a terminal outcome.
func (s *Service) Unbind(ctx context.Context, subtaskID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.SRem(ctx, keyInProgress, subtaskID).Err()
	})
}

// Requeue atomically moves a subtask from in-progress back onto the queue
// tail; used when a worker goes offline or an allocation fails post-bind.
func (s *Service) Requeue(ctx context.Context, subtaskID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return requeueScript.Run(ctx, s.client, []string{keyInProgress, keyPendingQueue}, subtaskID).Err()
	})
}

// InProgressCount returns the in-progress set cardinality; the scheduler
// cross-checks it against the database count.
func (s *Service) InProgressCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.client.SCard(ctx, keyInProgress).Result()
		return err
	})
	return n, err
}

// SetStatusMirror writes a read-path status mirror with TTL.
func (s *Service) SetStatusMirror(ctx context.Context, kind, id string, payload []byte, ttl time.Duration) error {
	key, err := statusKeyFor(kind, id)
	if err != nil {
		return err
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, key, payload, ttl).Err()
	})
}

// StatusMirror reads a status mirror; found is false on a miss.
func (s *Service) StatusMirror(ctx context.Context, kind, id string) (payload []byte, found bool, err error) {
	key, err := statusKeyFor(kind, id)
	if err != nil {
		return nil, false, err
	}
	err = s.do(ctx, func(ctx context.Context) error {
		res, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		payload, found = res, true
		return nil
	})
	return payload, found, err
}

// TouchHeartbeat refreshes the worker liveness mirror. TTL is twice the
// heartbeat interval so one missed beat does not flap the mirror.
func (s *Service) TouchHeartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, heartbeatKey(workerID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Err()
	})
}

// HeartbeatAlive reports whether the worker's liveness mirror still exists.
func (s *Service) HeartbeatAlive(ctx context.Context, workerID string) (bool, error) {
	var alive bool
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := s.client.Exists(ctx, heartbeatKey(workerID)).Result()
		if err != nil {
			return err
		}
		alive = n > 0
		return nil
	})
	return alive, err
}

func statusKeyFor(kind, id string) (string, error) {
	switch kind {
	case "task":
		return taskStatusKey(id), nil
	case "subtask":
		return subtaskStatusKey(id), nil
	case "worker":
		return workerStatusKey(id), nil
	default:
		return "", fmt.Errorf("unknown status mirror kind %q", kind)
	}
}
