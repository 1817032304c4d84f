// Package metrics exposes prometheus counters for the order path
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klear_gate",
		Name:      "gate_decisions_total",
		Help:      "Safety gate decisions by verdict.",
	}, []string{"decision"})

	OrderOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klear_gate",
		Name:      "order_outcomes_total",
		Help:      "Order placements by outcome status.",
	}, []string{"status"})

	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "klear_gate",
		Name:      "idempotent_replays_total",
		Help:      "Placements answered from a prior outcome without touching the venue.",
	})

	VenueCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klear_gate",
		Name:      "venue_calls_total",
		Help:      "Calls dispatched by the venue worker.",
	}, []string{"op", "result"})

	VenueQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "klear_gate",
		Name:      "venue_queue_depth",
		Help:      "Commands waiting for the venue worker.",
	})

	LedgerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klear_gate",
		Name:      "ledger_writes_total",
		Help:      "Audit ledger appends by event kind and result.",
	}, []string{"kind", "result"})
)

// Result maps an error to a low-cardinality label
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
