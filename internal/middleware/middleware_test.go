package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.conductor/internal/config"
	"dev.helix.conductor/internal/observability/metrics"
	"dev.helix.conductor/pkg/api"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func perform(r *gin.Engine, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func envelope(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorBody {
	t.Helper()
	var env api.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestRequestIDMintedAndEchoed(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDKey)) })

	rec := perform(r, http.MethodGet, "/x", nil)
	minted := rec.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, minted)
	assert.Equal(t, minted, rec.Body.String(), "context and header carry the same id")

	rec = perform(r, http.MethodGet, "/x", map[string]string{RequestIDHeader: "req-42"})
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader), "caller-provided id is reused")
}

func TestRecoveryWritesErrorEnvelope(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(quietLog()))
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	rec := perform(r, http.MethodGet, "/boom", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := envelope(t, rec)
	assert.Equal(t, "INTERNAL_001", body.Code)
	assert.False(t, body.Retryable)
}

type fakeGate struct{ active bool }

func (f *fakeGate) BackpressureActive() bool { return f.active }

func TestAdmissionShedsWritesOnly(t *testing.T) {
	g := &fakeGate{active: true}
	r := gin.New()
	r.Use(Admission(g))
	r.GET("/tasks", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/tasks", func(c *gin.Context) { c.Status(http.StatusCreated) })

	rec := perform(r, http.MethodPost, "/tasks", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := envelope(t, rec)
	assert.Equal(t, "SERVICE_003", body.Code)
	assert.True(t, body.Retryable)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	rec = perform(r, http.MethodGet, "/tasks", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads pass under backpressure")

	g.active = false
	rec = perform(r, http.MethodPost, "/tasks", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

type fakeRateSource struct {
	count int64
	reset time.Duration
	err   error
	keys  []string
}

func (f *fakeRateSource) RateWindow(_ context.Context, scope, key string, _ time.Duration) (int64, time.Duration, error) {
	f.keys = append(f.keys, scope+"/"+key)
	return f.count, f.reset, f.err
}

func limitedRouter(src rateSource, rpm int) *gin.Engine {
	rl := NewRateLimiter(src, config.RateLimitConfig{RequestsPerMinute: rpm, Window: time.Minute}, quietLog())
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimiterSharedWindow(t *testing.T) {
	src := &fakeRateSource{count: 3, reset: 30 * time.Second}
	r := limitedRouter(src, 5)

	rec := perform(r, http.MethodGet, "/x", map[string]string{"X-Client-ID": "w1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Remaining"))
	require.Len(t, src.keys, 1)
	assert.Equal(t, "http/client:w1", src.keys[0], "explicit client header keys the window")

	src.count = 6
	rec = perform(r, http.MethodGet, "/x", map[string]string{"X-Client-ID": "w1"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := envelope(t, rec)
	assert.Equal(t, "RATE_001", body.Code)
	assert.True(t, body.Retryable)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestRateLimiterFallsBackToLocalBuckets(t *testing.T) {
	src := &fakeRateSource{err: errors.New("redis gone")}
	r := limitedRouter(src, 2)

	hdr := map[string]string{"X-Client-ID": "w1"}
	assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/x", hdr).Code)
	assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/x", hdr).Code)
	assert.Equal(t, http.StatusTooManyRequests, perform(r, http.MethodGet, "/x", hdr).Code,
		"local bucket exhausts after the burst")

	assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/x", map[string]string{"X-Client-ID": "w2"}).Code,
		"fallback buckets are per client")
}

func TestRateLimiterExemptsProbes(t *testing.T) {
	src := &fakeRateSource{count: 1000}
	r := limitedRouter(src, 1)

	rec := perform(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, src.keys, "probe paths never touch the window")
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"http://localhost:3000"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := perform(r, http.MethodOptions, "/x", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "GET",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = perform(r, http.MethodOptions, "/x", map[string]string{
		"Origin":                        "http://evil.example",
		"Access-Control-Request-Method": "GET",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetricsRecordsRouteTemplate(t *testing.T) {
	collector := metrics.NewCollector()
	r := gin.New()
	r.Use(Metrics(collector))
	r.GET("/things/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(collector.Handler()))

	perform(r, http.MethodGet, "/things/42", nil)

	rec := perform(r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `path="/things/:id"`, "histogram is keyed by template, not raw path")
	assert.Contains(t, rec.Body.String(), `status="200"`)
}
