package core

// metrics.go – node counters surfaced both in the /health summary and as
// Prometheus counters on /metrics. Each Metrics value owns its registry so
// multiple nodes can live in one test process.

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSnapshot is the point-in-time counter view reported on /health.
type StatsSnapshot struct {
	ViewChanges        uint64 `json:"viewChanges"`
	SlashEvents        uint64 `json:"slashEvents"`
	BlocksProduced     uint64 `json:"blocksProduced"`
	BlocksCommitted    uint64 `json:"blocksCommitted"`
	ChallengesSent     uint64 `json:"challengesSent"`
	ChallengesReceived uint64 `json:"challengesReceived"`
	ReceiptsVerified   uint64 `json:"receiptsVerified"`
}

// Metrics tracks commit-progress counters. Increments are cheap and safe
// from any goroutine.
type Metrics struct {
	viewChanges        atomic.Uint64
	slashEvents        atomic.Uint64
	blocksProduced     atomic.Uint64
	blocksCommitted    atomic.Uint64
	challengesSent     atomic.Uint64
	challengesReceived atomic.Uint64
	receiptsVerified   atomic.Uint64

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

// NewMetrics constructs the counter set and its Prometheus registry.
func NewMetrics(nodeName string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
	}
	labels := prometheus.Labels{"node": nodeName}
	for _, name := range []string{
		"view_changes", "slash_events", "blocks_produced", "blocks_committed",
		"challenges_sent", "challenges_received", "receipts_verified",
	} {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "anvil",
			Name:        name + "_total",
			Help:        "Cumulative count of " + name + " events.",
			ConstLabels: labels,
		})
		m.registry.MustRegister(c)
		m.counters[name] = c
	}
	return m
}

func (m *Metrics) bump(a *atomic.Uint64, name string) {
	a.Add(1)
	if c, ok := m.counters[name]; ok {
		c.Inc()
	}
}

func (m *Metrics) IncViewChanges()        { m.bump(&m.viewChanges, "view_changes") }
func (m *Metrics) IncSlashEvents()        { m.bump(&m.slashEvents, "slash_events") }
func (m *Metrics) IncBlocksProduced()     { m.bump(&m.blocksProduced, "blocks_produced") }
func (m *Metrics) IncBlocksCommitted()    { m.bump(&m.blocksCommitted, "blocks_committed") }
func (m *Metrics) IncChallengesSent()     { m.bump(&m.challengesSent, "challenges_sent") }
func (m *Metrics) IncChallengesReceived() { m.bump(&m.challengesReceived, "challenges_received") }
func (m *Metrics) IncReceiptsVerified()   { m.bump(&m.receiptsVerified, "receipts_verified") }

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ViewChanges:        m.viewChanges.Load(),
		SlashEvents:        m.slashEvents.Load(),
		BlocksProduced:     m.blocksProduced.Load(),
		BlocksCommitted:    m.blocksCommitted.Load(),
		ChallengesSent:     m.challengesSent.Load(),
		ChallengesReceived: m.challengesReceived.Load(),
		ReceiptsVerified:   m.receiptsVerified.Load(),
	}
}

// Handler serves the Prometheus exposition format for this node's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
