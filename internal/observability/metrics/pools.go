package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolSnapshot is one scrape's view of the connection pools. The pressure
// scale mirrors the monitor: 0 normal, 1 warn, 2 critical.
type PoolSnapshot struct {
	Pressure      float64
	DBAcquired    float64
	DBIdle        float64
	DBMax         float64
	DBUtilization float64
	RedisHits     float64
	RedisMisses   float64
	RedisTimeouts float64
	RedisTotal    float64
	RedisIdle     float64
}

// PressureValue maps a pressure level name onto the gauge scale.
func PressureValue(level string) float64 {
	switch level {
	case "critical":
		return 2
	case "warn":
		return 1
	default:
		return 0
	}
}

type poolCollector struct {
	snapshot func() PoolSnapshot

	pressure   *prometheus.Desc
	dbConns    *prometheus.Desc
	dbUtil     *prometheus.Desc
	redisConns *prometheus.Desc
	redisOps   *prometheus.Desc
}

// NewPoolCollector exposes connection pool health straight from the monitor
// on every scrape, so the gauges never lag behind the admission decisions.
func NewPoolCollector(snapshot func() PoolSnapshot) prometheus.Collector {
	return &poolCollector{
		snapshot: snapshot,
		pressure: prometheus.NewDesc(
			"conductor_pool_pressure",
			"Pool pressure level (0 normal, 1 warn, 2 critical).",
			nil, nil,
		),
		dbConns: prometheus.NewDesc(
			"conductor_db_pool_connections",
			"Database pool connections by state.",
			[]string{"state"}, nil,
		),
		dbUtil: prometheus.NewDesc(
			"conductor_db_pool_utilization",
			"Acquired connections over the pool maximum.",
			nil, nil,
		),
		redisConns: prometheus.NewDesc(
			"conductor_redis_pool_connections",
			"Redis pool connections by state.",
			[]string{"state"}, nil,
		),
		redisOps: prometheus.NewDesc(
			"conductor_redis_pool_ops_total",
			"Cumulative Redis pool fetches by result.",
			[]string{"result"}, nil,
		),
	}
}

func (p *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.pressure
	ch <- p.dbConns
	ch <- p.dbUtil
	ch <- p.redisConns
	ch <- p.redisOps
}

func (p *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.snapshot()
	ch <- prometheus.MustNewConstMetric(p.pressure, prometheus.GaugeValue, s.Pressure)
	ch <- prometheus.MustNewConstMetric(p.dbConns, prometheus.GaugeValue, s.DBAcquired, "acquired")
	ch <- prometheus.MustNewConstMetric(p.dbConns, prometheus.GaugeValue, s.DBIdle, "idle")
	ch <- prometheus.MustNewConstMetric(p.dbConns, prometheus.GaugeValue, s.DBMax, "max")
	ch <- prometheus.MustNewConstMetric(p.dbUtil, prometheus.GaugeValue, s.DBUtilization)
	ch <- prometheus.MustNewConstMetric(p.redisConns, prometheus.GaugeValue, s.RedisTotal, "total")
	ch <- prometheus.MustNewConstMetric(p.redisConns, prometheus.GaugeValue, s.RedisIdle, "idle")
	ch <- prometheus.MustNewConstMetric(p.redisOps, prometheus.CounterValue, s.RedisHits, "hit")
	ch <- prometheus.MustNewConstMetric(p.redisOps, prometheus.CounterValue, s.RedisMisses, "miss")
	ch <- prometheus.MustNewConstMetric(p.redisOps, prometheus.CounterValue, s.RedisTimeouts, "timeout")
}
