// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles all collectors. Constructed once and injected; tests pass
// a fresh instance backed by its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	CrossedBooksRejected prometheus.Counter
	BookUpdates          *prometheus.CounterVec
	OpportunitiesFound   *prometheus.CounterVec
	SignalsDiscarded     *prometheus.CounterVec
	Transactions         *prometheus.CounterVec
	SafetyTrips          prometheus.Counter
	RebalanceProposals   *prometheus.CounterVec
	KillSwitchActive     prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		CrossedBooksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arb_crossed_books_rejected_total",
			Help: "Order book snapshots rejected because best bid >= best ask.",
		}),
		BookUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_book_updates_total",
			Help: "Order book snapshots accepted into the registry.",
		}, []string{"venue"}),
		OpportunitiesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_opportunities_total",
			Help: "Opportunities emitted by detection.",
		}, []string{"symbol"}),
		SignalsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_signals_discarded_total",
			Help: "Trade signals discarded by dispatcher gates.",
		}, []string{"reason"}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_transactions_total",
			Help: "Completed paired executions by terminal status.",
		}, []string{"status"}),
		SafetyTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arb_safety_trips_total",
			Help: "Times the kill switch tripped.",
		}),
		RebalanceProposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_rebalance_proposals_total",
			Help: "Rebalance proposals by viability.",
		}, []string{"viable"}),
		KillSwitchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arb_kill_switch_active",
			Help: "1 while the safety kill switch is engaged.",
		}),
	}
	reg.MustRegister(
		m.CrossedBooksRejected,
		m.BookUpdates,
		m.OpportunitiesFound,
		m.SignalsDiscarded,
		m.Transactions,
		m.SafetyTrips,
		m.RebalanceProposals,
		m.KillSwitchActive,
	)
	return m
}
