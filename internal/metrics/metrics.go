// Package metrics registers the manager-wide Prometheus collectors named in
// SPEC_FULL.md's expanded operations, served at /metrics by internal/httpapi
// exactly as cmd/server/main.go serves promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SupervisorState reports one gauge value (1) for a supervisor's current
// state, labeled by (blueprint_id, service_id, state); callers clear the
// previous state's gauge to 0 before setting the new one (see
// internal/supervisor).
var SupervisorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "blueprint_manager_supervisor_state",
	Help: "Current lifecycle state of each supervised instance (1 = current state, 0 otherwise).",
}, []string{"blueprint_id", "service_id", "state"})

// ReaperCyclesTotal counts completed tracker reap cycles.
var ReaperCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "blueprint_manager_reaper_cycles_total",
	Help: "Total number of tracker reap cycles completed.",
})

// FetchDurationSeconds observes how long C3 artifact resolution takes, per
// source kind.
var FetchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "blueprint_manager_fetch_duration_seconds",
	Help:    "Duration of source.Fetcher.Fetch calls, in seconds.",
	Buckets: prometheus.DefBuckets,
}, []string{"source_kind"})

// BridgePingFailuresTotal counts bridge instances that never produced a
// first ping within their configured timeout.
var BridgePingFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "blueprint_manager_bridge_ping_failures_total",
	Help: "Total number of bridges whose instance never pinged within the configured timeout.",
})
