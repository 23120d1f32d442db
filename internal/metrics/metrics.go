// SPDX-License-Identifier: MIT

// Package metrics exposes the Prometheus surface of the state core and a
// small in-memory snapshot used by synchronous status calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexaudio_planner_cycles_total",
		Help: "Planner ticks executed",
	})

	duePickedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexaudio_planner_due_picked_total",
		Help: "Records selected by due queries",
	})

	handlerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexaudio_handler_outcomes_total",
		Help: "Handler results by handler and outcome",
	}, []string{"handler", "outcome"})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plexaudio_handler_duration_seconds",
		Help:    "Handler execution time by handler",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexaudio_state_transitions_total",
		Help: "Machine transitions by processed status",
	}, []string{"from", "to"})

	illegalTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexaudio_illegal_transitions_total",
		Help: "Decisions rejected by the machine and not persisted",
	})

	leaseLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexaudio_lease_lost_total",
		Help: "Writes refused because the row lease moved to another owner",
	})

	leasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexaudio_leases_reclaimed_total",
		Help: "Expired leases released during startup recovery",
	})

	filesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexaudio_files_discovered_total",
		Help: "New file records created by discovery",
	})

	filesByProcessed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plexaudio_files_by_processed",
		Help: "Tracked files by processed status (last stats read)",
	}, []string{"processed"})

	groupsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexaudio_groups_finalized_total",
		Help: "Groups reaching a final state",
	}, []string{"state"})

	gcRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexaudio_gc_removed_total",
		Help: "Terminal records removed by retention GC",
	})

	dbSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plexaudio_db_size_bytes",
		Help: "State database file size (last stats read)",
	})

	watcherEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexaudio_watcher_events_total",
		Help: "Filesystem watcher events by kind",
	}, []string{"kind"})
)

func IncCycle()            { cyclesTotal.Inc() }
func AddDuePicked(n int)   { duePickedTotal.Add(float64(n)) }
func IncIllegalTransition() { illegalTransitions.Inc() }
func IncLeaseLost()        { leaseLostTotal.Inc() }
func AddLeasesReclaimed(n int) { leasesReclaimed.Add(float64(n)) }
func IncFileDiscovered()   { filesDiscovered.Inc() }
func AddGCRemoved(n int)   { gcRemovedTotal.Add(float64(n)) }
func IncWatcherEvent(kind string) { watcherEvents.WithLabelValues(kind).Inc() }

func IncHandlerOutcome(handler, outcome string) {
	handlerOutcomes.WithLabelValues(handler, outcome).Inc()
}

func ObserveHandler(handler string, seconds float64) {
	handlerDuration.WithLabelValues(handler).Observe(seconds)
}

func IncTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

func IncGroupFinalized(state string) {
	groupsFinalized.WithLabelValues(state).Inc()
}

func RecordStats(byProcessed map[string]int, dbSize int64) {
	filesByProcessed.Reset()
	for k, n := range byProcessed {
		filesByProcessed.WithLabelValues(k).Set(float64(n))
	}
	dbSizeBytes.Set(float64(dbSize))
}
