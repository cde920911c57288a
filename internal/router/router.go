// Package router assembles the HTTP edge: the global middleware chain, the
// probe and metrics endpoints, the versioned REST groups and the two
// websocket streams, wrapped in a server lifecycle the process controls.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/config"
	"dev.helix.conductor/internal/handlers"
	"dev.helix.conductor/internal/middleware"
	"dev.helix.conductor/internal/observability/metrics"
	"dev.helix.conductor/internal/poolmon"
	"dev.helix.conductor/internal/ws"
)

// Deps carries everything the HTTP surface is built from. The handler fields
// are required. Metrics, Limiter, Pool and WS may be nil, which leaves out
// the matching middleware or routes.
type Deps struct {
	Config *config.Config
	Log    *logrus.Logger

	Metrics *metrics.Collector
	Limiter *middleware.RateLimiter
	Pool    *poolmon.Monitor

	Tasks       *handlers.TaskHandler
	Subtasks    *handlers.SubtaskHandler
	Workers     *handlers.WorkerHandler
	Checkpoints *handlers.CheckpointHandler
	Templates   *handlers.TemplateHandler
	Ops         *handlers.OpsHandler
	Health      *handlers.HealthHandler

	WS *ws.Server
}

// Setup builds the gin engine with the full middleware chain and route map.
//
// Order matters in the chain: metrics sit in front of the limiter and the
// admission gate so shed requests still show up in the histograms, and CORS
// runs before both so preflights never spend rate budget.
func Setup(d Deps) *gin.Engine {
	if d.Config.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery(d.Log))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(d.Log))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
	}
	r.Use(middleware.CORS(d.Config.Security.CORSOrigins))
	if d.Limiter != nil {
		r.Use(d.Limiter.Middleware())
	}
	if d.Pool != nil {
		r.Use(middleware.Admission(d.Pool))
	}

	r.NoRoute(func(c *gin.Context) {
		middleware.Abort(c, apperrors.NotFound("route", c.Request.URL.Path))
	})

	// Probes and metrics sit outside the versioned prefix so orchestration
	// configs survive API version bumps.
	r.GET("/health", d.Health.Live)
	r.GET("/health/ready", d.Health.Ready)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	api := r.Group("/api/v1")
	{
		handlers.RegisterTaskRoutes(api, d.Tasks)
		handlers.RegisterSubtaskRoutes(api, d.Subtasks)
		handlers.RegisterWorkerRoutes(api, d.Workers)
		handlers.RegisterCheckpointRoutes(api, d.Checkpoints)
		handlers.RegisterTemplateRoutes(api, d.Templates)
		handlers.RegisterOpsRoutes(api, d.Ops)
	}

	if d.WS != nil {
		r.GET("/ws/tasks/:id", d.WS.ServeTask)
		r.GET("/ws/workers/:id", d.WS.ServeWorker)
	}

	return r
}
