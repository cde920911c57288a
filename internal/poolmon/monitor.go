// Package poolmon samples connection pool pressure and drives admission
// control. Utilization is acquired/max of the pgx pool; Redis pool stats are
// exported alongside for the ops endpoints. Pressure moves normal -> warn ->
// critical with hysteresis on recovery and a cooldown between flips.
package poolmon

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Pressure is the monitor's current load classification.
type Pressure string

const (
	PressureNormal   Pressure = "normal"
	PressureWarn     Pressure = "warn"
	PressureCritical Pressure = "critical"
)

// DBStats is a point-in-time view of the pgx pool.
type DBStats struct {
	Acquired int32 `json:"acquired"`
	Idle     int32 `json:"idle"`
	Total    int32 `json:"total"`
	Max      int32 `json:"max"`
}

// RedisStats mirrors go-redis PoolStats.
type RedisStats struct {
	Hits     uint32 `json:"hits"`
	Misses   uint32 `json:"misses"`
	Timeouts uint32 `json:"timeouts"`
	Total    uint32 `json:"total"`
	Idle     uint32 `json:"idle"`
}

// Sample is one monitor observation.
type Sample struct {
	DB            DBStats    `json:"db"`
	Redis         RedisStats `json:"redis"`
	DBUtilization float64    `json:"db_utilization_pct"`
	At            time.Time  `json:"at"`
}

// Config tunes thresholds, all percentages of pgx pool capacity.
type Config struct {
	WarnPct        float64
	CriticalPct    float64
	RecoverPct     float64
	Cooldown       time.Duration
	SampleInterval time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		WarnPct:        70,
		CriticalPct:    90,
		RecoverPct:     85,
		Cooldown:       5 * time.Second,
		SampleInterval: 5 * time.Second,
	}
}

// Transition is delivered to listeners on every pressure change.
type Transition struct {
	From   Pressure
	To     Pressure
	Sample Sample
}

// Monitor classifies pool pressure from periodic samples. Safe for
// concurrent use.
type Monitor struct {
	dbStats    func() DBStats
	redisStats func() RedisStats
	cfg        Config
	log        *logrus.Logger

	mu        sync.RWMutex
	pressure  Pressure
	lastFlip  time.Time
	last      Sample
	listeners []func(Transition)
}

// New builds a monitor over two stats sources. Either source may be nil
// when the corresponding pool is not part of the deployment.
func New(dbStats func() DBStats, redisStats func() RedisStats, cfg Config, log *logrus.Logger) *Monitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultConfig().SampleInterval
	}
	return &Monitor{
		dbStats:    dbStats,
		redisStats: redisStats,
		cfg:        cfg,
		log:        log,
		pressure:   PressureNormal,
	}
}

// FromPgxPool adapts a pgx pool into a stats source.
func FromPgxPool(pool *pgxpool.Pool) func() DBStats {
	return func() DBStats {
		st := pool.Stat()
		return DBStats{
			Acquired: st.AcquiredConns(),
			Idle:     st.IdleConns(),
			Total:    st.TotalConns(),
			Max:      st.MaxConns(),
		}
	}
}

// FromRedis adapts a go-redis client into a stats source.
func FromRedis(client *redis.Client) func() RedisStats {
	return func() RedisStats {
		st := client.PoolStats()
		return RedisStats{
			Hits:     st.Hits,
			Misses:   st.Misses,
			Timeouts: st.Timeouts,
			Total:    st.TotalConns,
			Idle:     st.IdleConns,
		}
	}
}

// OnTransition registers a listener invoked outside the monitor lock.
func (m *Monitor) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Run samples on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick takes one sample and applies the threshold rules.
func (m *Monitor) Tick() {
	sample := m.sample()

	m.mu.Lock()
	m.last = sample
	from := m.pressure
	to := m.classifyLocked(sample.DBUtilization)
	var change *Transition
	if to != from && time.Since(m.lastFlip) >= m.cfg.Cooldown {
		m.pressure = to
		m.lastFlip = time.Now()
		change = &Transition{From: from, To: to, Sample: sample}
	}
	listeners := m.listeners
	m.mu.Unlock()

	if change == nil {
		return
	}
	if m.log != nil {
		m.log.WithFields(logrus.Fields{
			"from":           change.From,
			"to":             change.To,
			"db_utilization": sample.DBUtilization,
			"db_acquired":    sample.DB.Acquired,
			"db_max":         sample.DB.Max,
		}).Warn("pool pressure change")
	}
	for _, fn := range listeners {
		fn(*change)
	}
}

func (m *Monitor) sample() Sample {
	s := Sample{At: time.Now().UTC()}
	if m.dbStats != nil {
		s.DB = m.dbStats()
		if s.DB.Max > 0 {
			s.DBUtilization = float64(s.DB.Acquired) / float64(s.DB.Max) * 100
		}
	}
	if m.redisStats != nil {
		s.Redis = m.redisStats()
	}
	return s
}

// classifyLocked applies the thresholds with recovery hysteresis: once
// critical, pressure holds until utilization drops below RecoverPct.
func (m *Monitor) classifyLocked(util float64) Pressure {
	if m.pressure == PressureCritical && util >= m.cfg.RecoverPct {
		return PressureCritical
	}
	switch {
	case util >= m.cfg.CriticalPct:
		return PressureCritical
	case util >= m.cfg.WarnPct:
		return PressureWarn
	default:
		return PressureNormal
	}
}

// Pressure returns the current classification.
func (m *Monitor) Pressure() Pressure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pressure
}

// BackpressureActive reports whether write admission should reject.
func (m *Monitor) BackpressureActive() bool {
	return m.Pressure() == PressureCritical
}

// Snapshot returns the classification with its most recent sample.
func (m *Monitor) Snapshot() (Pressure, Sample) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pressure, m.last
}
