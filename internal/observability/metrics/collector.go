// Package metrics owns the Prometheus registry and every instrument the
// orchestrator records into. Services receive the instruments they need at
// composition time; nothing here imports the services back.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the registry with the instruments.
type Collector struct {
	registry *prometheus.Registry

	// HTTP surface.
	HTTPDuration *prometheus.HistogramVec
	HTTPInFlight prometheus.Gauge

	// Scheduler.
	CycleSeconds prometheus.Histogram
	Dispatched   *prometheus.CounterVec

	// Event fan-out.
	EventsPublished *prometheus.CounterVec

	// Circuit breakers.
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Checkpoint engine.
	CheckpointsCreated  *prometheus.CounterVec
	CheckpointDecisions *prometheus.CounterVec

	// WebSocket clients on this replica.
	WSClients prometheus.Gauge
}

// NewCollector builds a Collector on its own registry, with the Go runtime
// and process collectors already attached.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_http_request_duration_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_http_requests_in_flight",
			Help: "Requests currently being served.",
		}),

		CycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_scheduler_cycle_duration_seconds",
			Help:    "Wall time of one scheduling cycle.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15},
		}),
		Dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_subtasks_dispatched_total",
				Help: "Subtasks handled by the scheduler, by cycle outcome.",
			},
			[]string{"outcome"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_events_published_total",
				Help: "Lifecycle events published to the fan-out channel.",
			},
			[]string{"type"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half_open, 2 open).",
			},
			[]string{"name"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_breaker_transitions_total",
				Help: "Circuit breaker state transitions, by target state.",
			},
			[]string{"name", "state"},
		),

		CheckpointsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_checkpoints_created_total",
				Help: "Checkpoints opened for review, by trigger.",
			},
			[]string{"trigger"},
		),
		CheckpointDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_checkpoint_decisions_total",
				Help: "Review decisions applied, by action.",
			},
			[]string{"action"},
		),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_ws_clients",
			Help: "Connected event-stream clients on this replica.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.HTTPDuration,
		c.HTTPInFlight,
		c.CycleSeconds,
		c.Dispatched,
		c.EventsPublished,
		c.BreakerState,
		c.BreakerTransitions,
		c.CheckpointsCreated,
		c.CheckpointDecisions,
		c.WSClients,
	)
	return c
}

// MustRegister attaches extra collectors, typically the pool collector and
// counter funcs reading service counters.
func (c *Collector) MustRegister(cs ...prometheus.Collector) {
	c.registry.MustRegister(cs...)
}

// Handler serves the exposition endpoint for this registry only.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one finished request.
func (c *Collector) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	c.HTTPDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// StateValue maps a breaker state name onto the gauge scale.
func StateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
