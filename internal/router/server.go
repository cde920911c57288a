package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const idleTimeout = 120 * time.Second

// Router owns the HTTP server lifecycle around the assembled engine.
type Router struct {
	engine *gin.Engine
	server *http.Server
	log    *logrus.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// New assembles the engine from deps and wraps it with a managed server.
func New(d Deps) *Router {
	engine := Setup(d)
	return &Router{
		engine: engine,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", d.Config.Server.Port),
			Handler:      engine,
			ReadTimeout:  d.Config.Server.ReadTimeout,
			WriteTimeout: d.Config.Server.WriteTimeout,
			IdleTimeout:  idleTimeout,
		},
		log: d.Log,
	}
}

// Engine exposes the underlying gin engine.
func (r *Router) Engine() *gin.Engine { return r.engine }

// ServeHTTP lets the router stand in anywhere an http.Handler is expected.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

// Start begins serving and blocks until the listener closes. A graceful
// Shutdown surfaces here as a nil error.
func (r *Router) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("http server already running")
	}
	r.running = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	r.log.WithField("addr", r.server.Addr).Info("http server listening")
	if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests until
// ctx expires. Calling it on a server that never started is a no-op.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.Info("http server stopped")
	return nil
}

// IsRunning reports whether the listener is up.
func (r *Router) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stats describes the server lifecycle state.
type Stats struct {
	Running   bool          `json:"running"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
}

// Stats reports when the server started and for how long it has served.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Running: r.running, StartedAt: r.startedAt}
	if r.running {
		s.Uptime = time.Since(r.startedAt)
	}
	return s
}
