// Package metrics provides Prometheus metrics collection for the
// coordination substrate, adapted from the host platform's
// infrastructure/metrics package and re-pointed at sentinel/lock/bus/runtime
// concerns instead of HTTP/blockchain/database concerns.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the coordination substrate.
type Metrics struct {
	VerdictsTotal      *prometheus.CounterVec
	CreditsUsedTotal   *prometheus.CounterVec
	AgentsTotal         prometheus.Gauge
	AgentState         *prometheus.GaugeVec
	AgentRestartsTotal *prometheus.CounterVec

	LockWaitersGauge *prometheus.GaugeVec
	DeadlocksTotal   prometheus.Counter

	BusPublishTotal *prometheus.CounterVec
	BusPublishFails *prometheus.CounterVec

	SnapshotsTotal   prometheus.Counter
	SnapshotDuration prometheus.Histogram
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against a custom registerer.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		VerdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_verdicts_total",
				Help: "Total number of credit sentinel verdicts by agent and verdict.",
			},
			[]string{"agent", "verdict"},
		),
		CreditsUsedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_credits_used_total",
				Help: "Total credits charged per agent.",
			},
			[]string{"agent"},
		),
		AgentsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runtime_agents_total",
				Help: "Current number of spawned agents that have not stopped.",
			},
		),
		AgentState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runtime_agent_state",
				Help: "1 if the agent is currently in the labeled state, else 0.",
			},
			[]string{"agent", "state"},
		),
		AgentRestartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_agent_restarts_total",
				Help: "Total restart attempts per agent.",
			},
			[]string{"agent"},
		),
		LockWaitersGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lockmgr_waiters",
				Help: "Current number of waiters per resource.",
			},
			[]string{"resource"},
		),
		DeadlocksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lockmgr_deadlocks_total",
				Help: "Total deadlock cycles detected and resolved.",
			},
		),
		BusPublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_publish_total",
				Help: "Total successful publishes per topic.",
			},
			[]string{"topic"},
		),
		BusPublishFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_publish_failures_total",
				Help: "Total publish failures per topic and reason.",
			},
			[]string{"topic", "reason"},
		),
		SnapshotsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "snapshot_total",
				Help: "Total session snapshots produced.",
			},
		),
		SnapshotDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "snapshot_duration_seconds",
				Help:    "Time to produce a session snapshot.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.VerdictsTotal,
			m.CreditsUsedTotal,
			m.AgentsTotal,
			m.AgentState,
			m.AgentRestartsTotal,
			m.LockWaitersGauge,
			m.DeadlocksTotal,
			m.BusPublishTotal,
			m.BusPublishFails,
			m.SnapshotsTotal,
			m.SnapshotDuration,
		)
	}

	return m
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes (once) and returns the global Metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global Metrics instance, creating a default one if Init
// was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New("agent-sentinel")
	}
	return globalMetrics
}
