// Package ws serves the two WebSocket surfaces: task event streams for
// watching clients and heartbeat streams for workers. Live events arrive
// through the eventbus hub; events missed while a client was away are
// replayed from its Redis mailbox before the live stream starts.
package ws

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/eventbus"
	"dev.helix.conductor/internal/middleware"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// mailboxes is the cache slice the client stream needs: interest
// registration plus backlog drain.
type mailboxes interface {
	AddTaskClient(ctx context.Context, taskID, clientID string, ttl time.Duration) error
	RemoveTaskClient(ctx context.Context, taskID, clientID string) error
	MailboxDrain(ctx context.Context, clientID string) ([]string, error)
}

// subscriptions attaches live consumers to a task's event channel.
type subscriptions interface {
	Subscribe(ctx context.Context, taskID string) (*eventbus.Subscription, error)
}

// taskReader resolves the task a client wants to watch.
type taskReader interface {
	Get(ctx context.Context, id string) (*models.Task, error)
}

// workerRegistry is the registry slice the worker stream needs.
type workerRegistry interface {
	Get(ctx context.Context, workerID string) (*models.Worker, error)
	Heartbeat(ctx context.Context, workerID string, req *api.HeartbeatRequest) (*api.Directives, error)
}

// Config bounds socket behavior. Zero values fall back to the defaults in
// New.
type Config struct {
	MaxClients int           // concurrent task-stream clients per replica
	PingPeriod time.Duration // server ping cadence
	PongWait   time.Duration // allowance for the pong after each ping
	WriteWait  time.Duration // per-message write deadline
	MailboxTTL time.Duration // client interest and backlog retention
}

// Server upgrades HTTP requests into task event streams and worker
// heartbeat streams.
type Server struct {
	upgrader websocket.Upgrader
	cache    mailboxes
	bus      subscriptions
	tasks    taskReader
	registry workerRegistry
	cfg      Config
	log      *logrus.Logger

	clients   atomic.Int64
	onClients func(n int)
}

// New builds the socket server. All collaborators are required except the
// registry, which only the worker stream touches.
func New(cache mailboxes, bus subscriptions, tasks taskReader, registry workerRegistry, cfg Config, log *logrus.Logger) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 50
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 10 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MailboxTTL <= 0 {
		cfg.MailboxTTL = time.Hour
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser origins are enforced by the CORS layer on the REST
			// surface; sockets carry no credentials and task ids are opaque.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cache:    cache,
		bus:      bus,
		tasks:    tasks,
		registry: registry,
		cfg:      cfg,
		log:      log,
	}
}

// OnClients registers a hook invoked with the new client count whenever a
// task stream attaches or detaches, used to feed the client gauge. Set
// before the server handles traffic.
func (s *Server) OnClients(fn func(n int)) { s.onClients = fn }

// ClientCount reports attached task-stream clients on this replica.
func (s *Server) ClientCount() int { return int(s.clients.Load()) }

func (s *Server) addClient(delta int64) int64 {
	n := s.clients.Add(delta)
	if s.onClients != nil {
		s.onClients(int(n))
	}
	return n
}

// readWait is the inbound silence budget: a pong (or any frame) must land
// within PongWait of each PingPeriod tick.
func (s *Server) readWait() time.Duration {
	return s.cfg.PingPeriod + s.cfg.PongWait
}

func requestID(c *gin.Context) string {
	return c.GetString(middleware.RequestIDKey)
}

// terminal reports whether an event ends its task's stream.
func terminal(t api.EventType) bool {
	switch t {
	case api.EventTaskCompleted, api.EventTaskFailed, api.EventTaskCancelled:
		return true
	}
	return false
}
