// Package metrics holds the Prometheus collectors exported by the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Exit outcomes recorded by AgentExited.
const (
	ExitClean       = "clean"
	ExitError       = "error"
	ExitKilled      = "killed"
	ExitSpawnFailed = "spawn_failed"
)

// Relay directions recorded by Relayed.
const (
	DirectionToAgent   = "to_agent"
	DirectionFromAgent = "from_agent"
)

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	connectionsActive prometheus.Gauge
	agentsSpawned     prometheus.Counter
	agentExits        *prometheus.CounterVec
	bytesRelayed      *prometheus.CounterVec
	uploads           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentbridge_connections_active",
			Help: "Number of open bridged WebSocket connections",
		}),
		agentsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_agents_spawned_total",
			Help: "Total number of agent subprocesses started",
		}),
		agentExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_agent_exits_total",
			Help: "Total number of agent subprocesses that ended, by outcome",
		}, []string{"outcome"}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_bytes_relayed_total",
			Help: "Bytes relayed between connections and agents, by direction",
		}, []string{"direction"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_uploads_total",
			Help: "Image uploads handled, by result",
		}, []string{"result"}),
	}
	reg.MustRegister(m.connectionsActive, m.agentsSpawned, m.agentExits, m.bytesRelayed, m.uploads)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) AgentSpawned() {
	if m == nil {
		return
	}
	m.agentsSpawned.Inc()
}

func (m *Metrics) AgentExited(outcome string) {
	if m == nil {
		return
	}
	m.agentExits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Relayed(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRelayed.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) Upload(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.uploads.WithLabelValues(result).Inc()
}
