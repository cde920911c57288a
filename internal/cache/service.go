// Package cache wraps the shared Redis instance behind the orchestrator's
// cache concerns: the dispatch queue, status mirrors, per-client mailboxes,
// rate-limit windows and the pub/sub fan-out channel space. Every call runs
// through the cache circuit breaker; callers degrade per concern when it is
// open.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/breaker"
)

const (
	keyPendingQueue = "queue:pending_subtasks"
	keyInProgress   = "inprogress:subtasks"
)

// DefaultMirrorTTL bounds staleness of the read-path status mirrors.
const DefaultMirrorTTL = 5 * time.Minute

// Service is the Redis adapter shared by the scheduler, allocator, registry,
// event bus and middleware.
type Service struct {
	client  *redis.Client
	breaker *breaker.Breaker
	log     *logrus.Logger
}

// New connects to the Redis URL and verifies the connection.
func New(ctx context.Context, url string, br *breaker.Breaker, log *logrus.Logger) (*Service, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	log.WithField("addr", opts.Addr).Info("connected to redis")
	return &Service{client: client, breaker: br, log: log}, nil
}

// NewWithClient wraps an existing client; tests use it with miniredis.
func NewWithClient(client *redis.Client, br *breaker.Breaker, log *logrus.Logger) *Service {
	return &Service{client: client, breaker: br, log: log}
}

// Client exposes the underlying connection for the event bus subscriber and
// the pool monitor.
func (s *Service) Client() *redis.Client { return s.client }

// Ping checks liveness for the readiness endpoint.
func (s *Service) Ping(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

// Close releases the connection pool.
func (s *Service) Close() error { return s.client.Close() }

// do routes a call through the cache breaker when one is configured.
func (s *Service) do(ctx context.Context, fn func(context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Do(ctx, fn)
}

func taskChannel(taskID string) string     { return "task:" + taskID }
func taskStatusKey(id string) string       { return "status:task:" + id }
func subtaskStatusKey(id string) string    { return "status:subtask:" + id }
func workerStatusKey(id string) string     { return "status:worker:" + id }
func heartbeatKey(workerID string) string  { return "heartbeat:worker:" + workerID }
func taskClientsKey(taskID string) string  { return "task_clients:" + taskID }
func mailboxKey(clientID string) string    { return "mailbox:client:" + clientID }
