package status

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/nexus/internal/heartbeat"
)

// Registry is a process-wide status surface: session counts, the heartbeat
// runner's last result, and cumulative cost, all exposed both as Prometheus
// gauges (for a /metrics scrape) and as a plain Snapshot (for the status CLI
// subcommand and logging).
type Registry struct {
	mu sync.RWMutex

	activeSessions int
	totalTurns     int64
	totalCostUSD   float64
	lastHeartbeat  heartbeat.Event
	heartbeatTicks int64

	sessionsGauge   prometheus.Gauge
	turnsCounter    prometheus.Counter
	costCounter     prometheus.Counter
	heartbeatGauge  *prometheus.GaugeVec
	heartbeatTicksC prometheus.Counter
}

// NewRegistry builds a Registry and registers its collectors against reg.
// Passing prometheus.NewRegistry() isolates tests from the global default
// registry; passing prometheus.DefaultRegisterer wires it into a real
// /metrics endpoint.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		sessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcore",
			Name:      "active_sessions",
			Help:      "Number of sessions currently held in memory.",
		}),
		turnsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "turns_total",
			Help:      "Total number of completed turn-loop runs.",
		}),
		costCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "estimated_cost_usd_total",
			Help:      "Cumulative estimated provider cost in USD.",
		}),
		heartbeatGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentcore",
			Name:      "heartbeat_last_status",
			Help:      "1 for the heartbeat status that last occurred, 0 otherwise.",
		}, []string{"status"}),
		heartbeatTicksC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "heartbeat_ticks_total",
			Help:      "Total number of heartbeat ticks recorded.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.sessionsGauge, r.turnsCounter, r.costCounter, r.heartbeatGauge, r.heartbeatTicksC)
	}
	return r
}

// SetActiveSessions records the current number of in-memory sessions.
func (r *Registry) SetActiveSessions(n int) {
	r.mu.Lock()
	r.activeSessions = n
	r.mu.Unlock()
	r.sessionsGauge.Set(float64(n))
}

// RecordTurn records one completed turn-loop run and its estimated cost.
func (r *Registry) RecordTurn(costUSD float64) {
	r.mu.Lock()
	r.totalTurns++
	r.totalCostUSD += costUSD
	r.mu.Unlock()
	r.turnsCounter.Inc()
	if costUSD > 0 {
		r.costCounter.Add(costUSD)
	}
}

// RecordHeartbeat records a heartbeat tick's outcome, suitable as the
// heartbeat.EventFunc passed to heartbeat.NewRunner.
func (r *Registry) RecordHeartbeat(ev heartbeat.Event) {
	r.mu.Lock()
	r.lastHeartbeat = ev
	r.heartbeatTicks++
	r.mu.Unlock()

	r.heartbeatGauge.Reset()
	r.heartbeatGauge.WithLabelValues(string(ev.Status)).Set(1)
	r.heartbeatTicksC.Inc()
}

// Snapshot is a point-in-time read of the registry, for the status CLI
// subcommand and structured log lines.
type Snapshot struct {
	ActiveSessions int             `json:"active_sessions"`
	TotalTurns     int64           `json:"total_turns"`
	TotalCostUSD   float64         `json:"total_cost_usd"`
	HeartbeatTicks int64           `json:"heartbeat_ticks"`
	LastHeartbeat  heartbeat.Event `json:"last_heartbeat"`
	AsOf           time.Time       `json:"as_of"`
}

// Snapshot returns the registry's current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		ActiveSessions: r.activeSessions,
		TotalTurns:     r.totalTurns,
		TotalCostUSD:   r.totalCostUSD,
		HeartbeatTicks: r.heartbeatTicks,
		LastHeartbeat:  r.lastHeartbeat,
		AsOf:           time.Now(),
	}
}
