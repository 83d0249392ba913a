// Package metrics exposes the Panel's prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatches counts tunnel config dispatches to nodes by core and
	// outcome.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smite",
		Subsystem: "panel",
		Name:      "dispatches_total",
		Help:      "Tunnel config dispatches to node agents.",
	}, []string{"core", "result"})

	// Rollbacks counts compensating removes after a partial apply.
	Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smite",
		Subsystem: "panel",
		Name:      "rollbacks_total",
		Help:      "Compensating removes issued after partial applies.",
	})

	// ResetRuns counts auto-reset scheduler cycles per core.
	ResetRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smite",
		Subsystem: "panel",
		Name:      "reset_runs_total",
		Help:      "Auto-reset cycles executed per core.",
	}, []string{"core"})
)
