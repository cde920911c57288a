package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.conductor/internal/breaker"
	"dev.helix.conductor/internal/poolmon"
	"dev.helix.conductor/internal/scheduler"
)

type fakeSchedStats struct{ stats scheduler.Stats }

func (f *fakeSchedStats) Stats() scheduler.Stats { return f.stats }

type fakePool struct {
	pressure poolmon.Pressure
	sample   poolmon.Sample
}

func (f *fakePool) Snapshot() (poolmon.Pressure, poolmon.Sample) { return f.pressure, f.sample }
func (f *fakePool) BackpressureActive() bool                     { return f.pressure == poolmon.PressureCritical }

func newOpsEnv(pressure poolmon.Pressure) *gin.Engine {
	sched := &fakeSchedStats{stats: scheduler.Stats{
		LastCycle: scheduler.CycleReport{Scanned: 5, Allocated: 3, QueueDepth: 12},
		Totals:    scheduler.Totals{Cycles: 40, Allocated: 90},
	}}
	pool := &fakePool{
		pressure: pressure,
		sample:   poolmon.Sample{DBUtilization: 72.5, At: time.Now()},
	}
	h := NewOpsHandler(sched, pool, breaker.New("database", breaker.Config{}, quietLog()))

	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.GET("/scheduler/stats", h.SchedulerStats)
	v1.GET("/pool/status", h.PoolStatus)
	return r
}

func TestSchedulerStatsEndpoint(t *testing.T) {
	r := newOpsEnv(poolmon.PressureNormal)

	w := performJSON(t, r, "GET", "/api/v1/scheduler/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	last := body["last_cycle"].(map[string]any)
	assert.EqualValues(t, 3, last["allocated"])
	totals := body["totals"].(map[string]any)
	assert.EqualValues(t, 40, totals["cycles"])
}

func TestPoolStatusEndpoint(t *testing.T) {
	r := newOpsEnv(poolmon.PressureWarn)

	w := performJSON(t, r, "GET", "/api/v1/pool/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "warn", body["pressure"])
	assert.Equal(t, false, body["backpressure"])

	sample := body["sample"].(map[string]any)
	assert.InDelta(t, 72.5, sample["db_utilization_pct"].(float64), 0.01)

	breakers := body["breakers"].([]any)
	require.Len(t, breakers, 1)
	first := breakers[0].(map[string]any)
	assert.Equal(t, "database", first["name"])
	assert.Equal(t, "closed", first["state"])
}

func TestPoolStatusReportsBackpressure(t *testing.T) {
	r := newOpsEnv(poolmon.PressureCritical)

	w := performJSON(t, r, "GET", "/api/v1/pool/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["backpressure"])
}
