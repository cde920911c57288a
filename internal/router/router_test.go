package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.conductor/internal/config"
	"dev.helix.conductor/internal/handlers"
	"dev.helix.conductor/internal/observability/metrics"
	"dev.helix.conductor/internal/ws"
	"dev.helix.conductor/pkg/api"
)

func init() { gin.SetMode(gin.TestMode) }

type pingOK struct{}

func (pingOK) Ping(context.Context) error { return nil }

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// testDeps wires real constructors with inert collaborators. The routes that
// would touch them are never invoked here; these tests cover assembly and
// lifecycle, the handler tests cover behavior.
func testDeps() Deps {
	log := quietLog()
	return Deps{
		Config:      config.Default(),
		Log:         log,
		Metrics:     metrics.NewCollector(),
		Tasks:       handlers.NewTaskHandler(nil, nil, nil, nil, nil, nil, nil, nil, nil, log),
		Subtasks:    handlers.NewSubtaskHandler(nil, nil, nil, nil, nil, nil, log),
		Workers:     handlers.NewWorkerHandler(nil, nil, log),
		Checkpoints: handlers.NewCheckpointHandler(nil, nil, log),
		Templates:   handlers.NewTemplateHandler(nil, log),
		Ops:         handlers.NewOpsHandler(nil, nil),
		Health:      handlers.NewHealthHandler(pingOK{}, pingOK{}, "test"),
		WS:          ws.New(nil, nil, nil, nil, ws.Config{}, log),
	}
}

func TestSetupRegistersFullRouteMap(t *testing.T) {
	r := Setup(testDeps())

	got := make(map[string]bool)
	for _, rt := range r.Routes() {
		got[rt.Method+" "+rt.Path] = true
	}

	want := []string{
		"GET /health",
		"GET /health/ready",
		"GET /metrics",
		"POST /api/v1/tasks",
		"GET /api/v1/tasks",
		"GET /api/v1/tasks/:id",
		"POST /api/v1/tasks/:id/decompose",
		"POST /api/v1/tasks/:id/cancel",
		"POST /api/v1/tasks/:id/rollback",
		"GET /api/v1/tasks/:id/rollback/preview",
		"GET /api/v1/tasks/:id/events",
		"GET /api/v1/subtasks/:id",
		"POST /api/v1/subtasks/:id/result",
		"POST /api/v1/subtasks/:id/evaluation",
		"POST /api/v1/workers/register",
		"POST /api/v1/workers/:id/heartbeat",
		"GET /api/v1/workers",
		"GET /api/v1/workers/:id",
		"PUT /api/v1/workers/:id/drain",
		"DELETE /api/v1/workers/:id",
		"GET /api/v1/checkpoints",
		"GET /api/v1/checkpoints/:id",
		"POST /api/v1/checkpoints/:id/decision",
		"GET /api/v1/templates",
		"POST /api/v1/templates",
		"GET /api/v1/templates/:name",
		"GET /api/v1/scheduler/stats",
		"GET /api/v1/pool/status",
		"GET /ws/tasks/:id",
		"GET /ws/workers/:id",
	}
	for _, route := range want {
		assert.Truef(t, got[route], "route %s not registered", route)
	}
}

func TestProbesAnswerPlainJSON(t *testing.T) {
	r := Setup(testDeps())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/health/ready", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpointExposesRegistry(t *testing.T) {
	r := Setup(testDeps())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestUnknownRouteGetsTheErrorEnvelope(t *testing.T) {
	r := Setup(testDeps())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	var envelope api.ErrorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "RESOURCE_001", envelope.Error.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	r := Setup(testDeps())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-abc-123")
	r.ServeHTTP(w, req)

	assert.Equal(t, "trace-abc-123", w.Header().Get("X-Request-ID"))
}

func TestShutdownBeforeStartIsANoop(t *testing.T) {
	r := New(testDeps())

	require.NoError(t, r.Shutdown(context.Background()))
	assert.False(t, r.IsRunning())
	assert.False(t, r.Stats().Running)
}

func TestStartServesAndShutsDownGracefully(t *testing.T) {
	d := testDeps()
	d.Config.Server.Port = freePort(t)
	r := New(d)

	errc := make(chan error, 1)
	go func() { errc <- r.Start() }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", d.Config.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 25*time.Millisecond)

	assert.True(t, r.IsRunning())
	assert.Error(t, r.Start(), "second start must refuse while running")

	stats := r.Stats()
	assert.True(t, stats.Running)
	assert.False(t, stats.StartedAt.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	require.NoError(t, <-errc, "graceful shutdown must not surface as a start error")
	assert.False(t, r.IsRunning())
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
