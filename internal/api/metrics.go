package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabstir/host-agent/internal/agent"
	"github.com/fabstir/host-agent/internal/chain"
	"github.com/fabstir/host-agent/internal/engine"
	"github.com/fabstir/host-agent/internal/supervisor"
)

// Metrics exposes operator counters on /metrics. Counters follow the event
// bus; gauges read live state at scrape time.
type Metrics struct {
	agent    *agent.Agent
	registry *prometheus.Registry

	tokensServed         prometheus.Counter
	checkpointsReached   prometheus.Counter
	checkpointsProcessed prometheus.Counter
	checkpointsDropped   prometheus.Counter
	checkpointsExhausted prometheus.Counter
	sessionsStarted      prometheus.Counter
	sessionsSettled      prometheus.Counter
	processCrashes       prometheus.Counter
}

// NewMetrics registers all collectors on a private registry.
func NewMetrics(a *agent.Agent) *Metrics {
	m := &Metrics{
		agent:    a,
		registry: prometheus.NewRegistry(),
		tokensServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "host_tokens_served_total",
			Help: "Tokens accounted across all sessions.",
		}),
		checkpointsReached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "host_checkpoints_reached_total",
			Help: "Checkpoint thresholds crossed.",
		}),
		checkpointsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "host_checkpoints_processed_total",
			Help: "Checkpoints settled on-chain.",
		}),
		checkpointsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "host_checkpoints_dropped_total",
			Help: "Checkpoints evicted from the bounded queue.",
		}),
		checkpointsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "host_checkpoints_exhausted_total",
			Help: "Checkpoints whose retry budget ran out.",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "host_sessions_started_total",
			Help: "Sessions opened.",
		}),
		sessionsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "host_sessions_settled_total",
			Help: "Sessions settled on disconnect.",
		}),
		processCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "host_inference_crashes_total",
			Help: "Unexpected inference process exits.",
		}),
	}

	m.registry.MustRegister(
		m.tokensServed, m.checkpointsReached, m.checkpointsProcessed,
		m.checkpointsDropped, m.checkpointsExhausted,
		m.sessionsStarted, m.sessionsSettled, m.processCrashes,
	)

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "host_sessions_active",
		Help: "Live sessions.",
	}, func() float64 { return float64(a.Engine().Stats().Sessions) }))

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "host_checkpoints_pending",
		Help: "Checkpoints queued for submission.",
	}, func() float64 { return float64(a.Engine().Stats().Pending) }))

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "host_tx_queue_depth",
		Help: "Transactions waiting in the FIFO queue.",
	}, func() float64 { return float64(a.Queue().Len()) }))

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "host_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	}, func() float64 {
		switch a.Chain().Breaker().State() {
		case chain.BreakerOpen:
			return 2
		case chain.BreakerHalfOpen:
			return 1
		default:
			return 0
		}
	}))

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "host_event_bus_dropped_total",
		Help: "Events dropped on slow subscribers.",
	}, func() float64 { return float64(a.Bus().Dropped()) }))

	return m
}

// Observe follows the event bus until ctx is cancelled, bumping counters.
func (m *Metrics) Observe(ctx context.Context) {
	sub := m.agent.Bus().Subscribe(
		engine.EventTokenProgress,
		engine.EventCheckpointReached,
		engine.EventCheckpointProcessed,
		engine.EventCheckpointDropped,
		engine.EventCheckpointExhausted,
		engine.EventSessionStarted,
		engine.EventSessionSettled,
		supervisor.EventProcessCrashed,
	)
	defer m.agent.Bus().Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case engine.EventTokenProgress:
				if p, ok := ev.Data.(engine.TokenProgress); ok {
					m.tokensServed.Add(float64(p.Added))
				}
			case engine.EventCheckpointReached:
				m.checkpointsReached.Inc()
			case engine.EventCheckpointProcessed:
				m.checkpointsProcessed.Inc()
			case engine.EventCheckpointDropped:
				m.checkpointsDropped.Inc()
			case engine.EventCheckpointExhausted:
				m.checkpointsExhausted.Inc()
			case engine.EventSessionStarted:
				m.sessionsStarted.Inc()
			case engine.EventSessionSettled:
				m.sessionsSettled.Inc()
			case supervisor.EventProcessCrashed:
				m.processCrashes.Inc()
			}
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics != nil {
		return s.metrics.Handler()
	}
	return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
}
